package dataset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/ZanzyTHEbar/csvsage/sage/metrics"
)

// ErrEmptyContent is returned when a source yields no content. It is the only load
// condition that is retried, since an upload may be read before it is fully flushed.
var ErrEmptyContent = errors.New("no columns to parse from empty content")

// LoadError reports a dataset that could not be loaded.
type LoadError struct {
	Source   string
	Attempts int
	Line     int // input line of a malformed row, 0 when not applicable
	Err      error
}

func (e *LoadError) Error() string {
	msg := fmt.Sprintf("load %s", e.Source)
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d)", e.Line)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

// Source yields the raw bytes of a delimited table. Open is called once per load attempt.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type bytesSource struct {
	name string
	data []byte
}

// FromBytes returns a Source over an in-memory upload.
func FromBytes(name string, data []byte) Source { return &bytesSource{name: name, data: data} }

func (s *bytesSource) Name() string { return s.name }
func (s *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

type fileSource struct{ path string }

// FromFile returns a Source reading the file at path on every attempt.
func FromFile(path string) Source { return &fileSource{path: path} }

func (s *fileSource) Name() string                 { return s.path }
func (s *fileSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }

// Options configures a Loader.
type Options struct {
	Delimiter   rune          // field separator, ',' when zero
	MaxAttempts int           // total attempts for empty content, 3 when zero
	BackoffUnit time.Duration // wait before retry n is n units, 500ms when zero
}

// DefaultOptions mirrors the retry behaviour of the original uploader.
func DefaultOptions() Options {
	return Options{Delimiter: ',', MaxAttempts: 3, BackoffUnit: 500 * time.Millisecond}
}

// Loader parses sources into Datasets.
type Loader struct {
	opts   Options
	logger zerolog.Logger
}

// NewLoader creates a loader, filling zero options with defaults.
func NewLoader(opts Options, logger zerolog.Logger) *Loader {
	def := DefaultOptions()
	if opts.Delimiter == 0 {
		opts.Delimiter = def.Delimiter
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = def.BackoffUnit
	}
	return &Loader{opts: opts, logger: logger}
}

// Load parses src with the default options.
func Load(ctx context.Context, src Source) (*Dataset, error) {
	return NewLoader(DefaultOptions(), zerolog.Nop()).Load(ctx, src)
}

// linearBackoff waits unit, 2*unit, 3*unit, ... between attempts.
func linearBackoff(unit time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * unit, false
	})
}

// Load reads and parses src, retrying only when the content is empty.
func (l *Loader) Load(ctx context.Context, src Source) (*Dataset, error) {
	attempts := 0
	var ds *Dataset

	backoff := retry.WithMaxRetries(uint64(l.opts.MaxAttempts-1), linearBackoff(l.opts.BackoffUnit))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		l.logger.Debug().Str("source", src.Name()).Int("attempt", attempts).Msg("loading dataset")

		content, err := readAll(src)
		if err != nil {
			return err
		}
		if isEmpty(content) {
			return l.retryEmpty(src, attempts)
		}

		ds, err = l.parse(src.Name(), content)
		if errors.Is(err, ErrEmptyContent) {
			return l.retryEmpty(src, attempts)
		}
		return err
	})
	if err != nil {
		metrics.DatasetLoads.WithLabelValues("failed").Inc()
		var le *LoadError
		if errors.As(err, &le) {
			le.Attempts = attempts
			return nil, le
		}
		return nil, &LoadError{Source: src.Name(), Attempts: attempts, Err: err}
	}

	metrics.DatasetLoads.WithLabelValues("ok").Inc()
	l.logger.Info().
		Str("source", src.Name()).
		Int("rows", ds.Rows()).
		Int("columns", ds.NumColumns()).
		Int("attempts", attempts).
		Msg("dataset loaded")
	return ds, nil
}

func (l *Loader) retryEmpty(src Source, attempt int) error {
	if attempt < l.opts.MaxAttempts {
		metrics.DatasetLoadRetries.Inc()
		l.logger.Warn().Str("source", src.Name()).Int("attempt", attempt).Msg("dataset content empty, retrying")
	}
	return retry.RetryableError(ErrEmptyContent)
}

// isEmpty reports content with nothing but a byte order mark and whitespace.
func isEmpty(content []byte) bool {
	return len(bytes.TrimSpace(bytes.TrimPrefix(content, utf8BOM))) == 0
}

func readAll(src Source) ([]byte, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return content, nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func (l *Loader) parse(name string, content []byte) (*Dataset, error) {
	sum := sha256.Sum256(content)
	content = bytes.TrimPrefix(content, utf8BOM)

	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = l.opts.Delimiter
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyContent
		}
		return nil, &LoadError{Source: name, Line: lineOf(err), Err: err}
	}
	names := columnNames(header)

	cells := make([][]string, len(names))
	rows := 0
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &LoadError{Source: name, Line: lineOf(err), Err: err}
		}
		if len(record) > len(names) {
			line, _ := r.FieldPos(0)
			return nil, &LoadError{
				Source: name,
				Line:   line,
				Err:    fmt.Errorf("expected %d fields, saw %d", len(names), len(record)),
			}
		}
		for i := range names {
			if i < len(record) {
				cells[i] = append(cells[i], record[i])
			} else {
				cells[i] = append(cells[i], "")
			}
		}
		rows++
	}

	columns := make([]*Column, len(names))
	for i, n := range names {
		if cells[i] == nil {
			cells[i] = []string{}
		}
		columns[i] = buildColumn(n, cells[i])
	}
	return newDataset(name, rows, columns, hex.EncodeToString(sum[:])), nil
}

func lineOf(err error) int {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return pe.Line
	}
	return 0
}

// columnNames names empty headers "Unnamed: i" and de-duplicates repeats as name.1, name.2, ...
func columnNames(header []string) []string {
	names := make([]string, len(header))
	used := make(map[string]bool, len(header))
	for i, h := range header {
		if h == "" {
			h = "Unnamed: " + strconv.Itoa(i)
		}
		name := h
		for n := 1; used[name]; n++ {
			name = h + "." + strconv.Itoa(n)
		}
		used[name] = true
		names[i] = name
	}
	return names
}
