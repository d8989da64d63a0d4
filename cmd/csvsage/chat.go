package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/csvsage/sage/config"
	"github.com/ZanzyTHEbar/csvsage/sage/dataset"
	"github.com/ZanzyTHEbar/csvsage/sage/harness"
	"github.com/ZanzyTHEbar/csvsage/sage/session"
)

func chat(ctx context.Context, cfg *config.Config, logger zerolog.Logger, path string, in io.Reader, out io.Writer) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	sess, err := a.manager.Create(ctx, filepath.Base(path), f)
	f.Close()
	if err != nil {
		var le *dataset.LoadError
		if errors.As(err, &le) {
			fmt.Fprintln(out, session.UploadWarning)
		}
		return err
	}

	printInfo(out, sess.Dataset().Info(cfg.Dataset.PreviewRows))
	return repl(ctx, a.manager, sess.ID(), in, out)
}

func printInfo(w io.Writer, info dataset.Info) {
	fmt.Fprintf(w, "Loaded %s: %d rows, %d columns\n\n", info.Name, info.Rows, info.Columns)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(info.ColumnNames, "\t"))
	kinds := make([]string, len(info.ColumnNames))
	for i, name := range info.ColumnNames {
		kinds[i] = info.Kinds[name]
	}
	fmt.Fprintln(tw, strings.Join(kinds, "\t"))
	for _, row := range info.Preview {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
	fmt.Fprintln(w)
}

// repl answers one query per input line until EOF, "exit" or "quit". Query failures are
// reported and the loop continues.
func repl(ctx context.Context, m *session.Manager, id string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		query := strings.TrimSpace(scanner.Text())
		switch query {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		resp, err := m.Ask(ctx, id, query)
		switch {
		case err == nil:
			fmt.Fprintln(out, resp.Summary)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			var oe *harness.OrchestratorError
			if errors.As(err, &oe) {
				fmt.Fprintf(out, "query failed at turn %d: %v\n", oe.Turn, oe.Err)
			} else {
				fmt.Fprintf(out, "query failed: %v\n", err)
			}
		}
	}
}
