// Package session binds one loaded dataset and one conversation log into a chat session.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/csvsage/sage/conversation"
	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	"github.com/ZanzyTHEbar/csvsage/sage/harness"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
	"github.com/ZanzyTHEbar/csvsage/sage/tools"
)

// UploadWarning is shown when no dataset could be loaded.
const UploadWarning = "Please upload a valid CSV file to proceed."

var (
	ErrNotFound   = errors.New("session not found")
	ErrNoDataset  = errors.New("no dataset loaded")
	ErrEmptyQuery = errors.New("query is empty")
	ErrNoStore    = errors.New("no conversation store configured")
	ErrActive     = errors.New("session is still open")
)

// Session owns one dataset and its conversation. Queries run one at a time.
type Session struct {
	id        string
	filename  string
	createdAt time.Time

	mu       sync.Mutex // held for the length of a query
	dataset  *dataset.Dataset
	log      *conversation.Log
	registry *tools.Registry
	tools    []ports.Tool
}

func newSession(id, filename string, ds *dataset.Dataset, log *conversation.Log, registry *tools.Registry, now time.Time) *Session {
	return &Session{
		id:        id,
		filename:  filename,
		createdAt: now,
		dataset:   ds,
		log:       log,
		registry:  registry,
		tools:     registry.Bind(ds),
	}
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Filename() string          { return s.filename }
func (s *Session) CreatedAt() time.Time      { return s.createdAt }
func (s *Session) Dataset() *dataset.Dataset { return s.dataset }
func (s *Session) Log() *conversation.Log    { return s.log }

// History is a snapshot of the conversation.
func (s *Session) History() []conversation.Turn { return s.log.Snapshot() }

// Ask appends the query as a user turn, runs the exchange with the conversation so far, and
// appends the summary as one assistant turn. On failure only the user turn remains.
func (s *Session) Ask(ctx context.Context, o *harness.HarnessOrchestrator, policy *harness.Policy, system, query string) (*harness.Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataset == nil {
		return nil, ErrNoDataset
	}
	if o == nil {
		return nil, &harness.OrchestratorError{Err: harness.ErrNoProvider}
	}

	s.log.Append(ctx, conversation.RoleUser, query)
	resp, err := o.Orchestrate(ctx, &harness.Request{
		ConversationID: s.id,
		History:        s.log.Snapshot(),
		Query:          query,
		System:         system,
		Tools:          s.tools,
		Policy:         policy,
	})
	if err != nil {
		return nil, err
	}
	s.log.Append(ctx, conversation.RoleAssistant, resp.Summary)
	return resp, nil
}

// Invoke calls a tool directly against the session's dataset.
func (s *Session) Invoke(ctx context.Context, name string, args []byte) any {
	return s.registry.Dispatch(ctx, s.dataset, name, args)
}
