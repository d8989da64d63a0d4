package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	"github.com/ZanzyTHEbar/csvsage/sage/harness"
	ports "github.com/ZanzyTHEbar/csvsage/sage/harness/ports"
	"github.com/ZanzyTHEbar/csvsage/sage/session"
	"github.com/ZanzyTHEbar/csvsage/sage/tools"
)

type fixedProvider struct {
	text string
	err  error
}

func (p *fixedProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	return ports.Completion{Text: p.text}, p.err
}

func newManager(t *testing.T, p ports.Provider) *session.Manager {
	t.Helper()
	loader := dataset.NewLoader(dataset.Options{Delimiter: ',', MaxAttempts: 1, BackoffUnit: time.Millisecond}, zerolog.Nop())
	registry, err := tools.NewBuiltinRegistry()
	require.NoError(t, err)
	o := harness.NewHarnessOrchestrator(p, nil, nil, nil, nil, nil, zerolog.Nop())
	return session.NewManager(loader, registry, o, harness.DefaultPolicy(), session.Options{
		UploadDir: t.TempDir(),
		Logger:    zerolog.Nop(),
	})
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"app":"csvsage"`)

	assert.Equal(t, zerolog.InfoLevel, newLogger(config.LogConfig{Level: "loud"}, &buf).GetLevel())
}

func TestPrintInfo(t *testing.T) {
	var out bytes.Buffer
	printInfo(&out, dataset.Info{
		Name:        "sales.csv",
		Rows:        2,
		Columns:     2,
		ColumnNames: []string{"region", "amount"},
		Kinds:       map[string]string{"region": "object", "amount": "int64"},
		Preview:     [][]string{{"north", "10"}, {"south", "20"}},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "Loaded sales.csv: 2 rows, 2 columns", lines[0])
	assert.Equal(t, []string{"region", "amount"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"object", "int64"}, strings.Fields(lines[3]))
	assert.Equal(t, []string{"south", "20"}, strings.Fields(lines[5]))
}

func TestREPL(t *testing.T) {
	m := newManager(t, &fixedProvider{text: "There are 2 rows. TERMINATE"})
	ctx := context.Background()
	s, err := m.Create(ctx, "sample.csv", strings.NewReader("a,b\n1,2\n3,4\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, repl(ctx, m, s.ID(), strings.NewReader("how many rows?\n\nquit\nignored\n"), &out))

	assert.Equal(t, 1, strings.Count(out.String(), "There are 2 rows."))
	assert.Equal(t, 2, s.Log().Len())
}

func TestREPLReportsFailuresAndStopsAtEOF(t *testing.T) {
	m := newManager(t, &fixedProvider{err: errors.New("upstream down")})
	ctx := context.Background()
	s, err := m.Create(ctx, "sample.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, repl(ctx, m, s.ID(), strings.NewReader("q1\nq2"), &out))

	assert.Equal(t, 2, strings.Count(out.String(), "query failed at turn 1: provider call failed: upstream down"))
}

func TestRunErrors(t *testing.T) {
	assert.Error(t, run(nil))
	assert.Error(t, run([]string{"bogus"}))
	assert.Error(t, run([]string{"chat", "--config", "testdata/missing.yaml"}))
}

func TestOpenStoreDisabled(t *testing.T) {
	conn, err := openStore(config.StoreConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, conn)

	_, err = openStore(config.StoreConfig{Enabled: true, Type: "postgres"}, zerolog.Nop())
	assert.Error(t, err)
}
