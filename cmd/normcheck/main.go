// Command normcheck runs a directory of raw model replies through the
// response normalizer and reports which extraction strategy handled each one.
// A reply file "x.txt" may sit next to "x.expected"; its trimmed contents are
// compared with the extracted response.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/aio-2030/aio-gateway/internal/normalize"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("normcheck", "error", err)
		os.Exit(1)
	}
}

type fileReport struct {
	File     string `json:"file"`
	Strategy string `json:"strategy"`
	Response string `json:"response"`
	Expected string `json:"expected,omitempty"`
	Mismatch bool   `json:"mismatch,omitempty"`
}

var errMismatch = errors.New("extracted responses did not match expectations")

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("normcheck", pflag.ContinueOnError)
	dir := fs.String("dir", "", "directory containing raw reply files")
	pattern := fs.String("glob", "*.txt", "file pattern inside --dir")
	asJSON := fs.Bool("json", false, "print one JSON report per line")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("usage: normcheck --dir ./samples/replies/")
	}

	reports, err := check(*dir, *pattern)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return fmt.Errorf("no files matching %s in %s", *pattern, *dir)
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		for _, r := range reports {
			enc.Encode(r)
		}
	} else {
		printReports(stdout, reports)
	}

	for _, r := range reports {
		if r.Mismatch {
			return errMismatch
		}
	}
	return nil
}

func check(dir, pattern string) ([]fileReport, error) {
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("glob files: %w", err)
	}
	sort.Strings(files)

	reports := make([]fileReport, 0, len(files))
	for _, f := range files {
		r, checkErr := checkFile(f)
		if checkErr != nil {
			slog.Error("check file", "file", f, "error", checkErr)
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func checkFile(path string) (fileReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileReport{}, err
	}
	value, strategy := normalize.Explain(string(data))
	r := fileReport{File: filepath.Base(path), Strategy: strategy, Response: value}

	want, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".expected")
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fileReport{}, err
	default:
		r.Expected = strings.TrimSpace(string(want))
		r.Mismatch = strings.TrimSpace(value) != r.Expected
	}
	return r, nil
}

func printReports(w io.Writer, reports []fileReport) {
	counts := map[string]int{}
	for _, r := range reports {
		counts[r.Strategy]++
		status := "ok"
		if r.Mismatch {
			status = "MISMATCH"
		}
		fmt.Fprintf(w, "%-32s %-12s %-8s %s\n", r.File, r.Strategy, status, preview(r.Response, 60))
	}

	strategies := make([]string, 0, len(counts))
	for s := range counts {
		strategies = append(strategies, s)
	}
	sort.Strings(strategies)
	fmt.Fprintf(w, "\n%d files\n", len(reports))
	for _, s := range strategies {
		fmt.Fprintf(w, "  %-12s %d\n", s, counts[s])
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
