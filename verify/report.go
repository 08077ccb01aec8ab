// Package verify inspects a bootstrapped n8n host and reports what is
// working and what is not.
package verify

import (
	"fmt"
	"io"
)

// Level is the outcome of one check.
type Level int

const (
	Pass Level = iota
	Warn
	Fail
)

func (l Level) String() string {
	switch l {
	case Pass:
		return "PASS"
	case Warn:
		return "WARN"
	case Fail:
		return "FAIL"
	}
	return "UNKNOWN"
}

// Result is one reported line.
type Result struct {
	Level  Level
	Check  string
	Detail string
}

func (r Result) String() string {
	if r.Detail == "" {
		return fmt.Sprintf("[%s] %s", r.Level, r.Check)
	}
	return fmt.Sprintf("[%s] %s: %s", r.Level, r.Check, r.Detail)
}

// Report collects results in the order checks ran.
type Report struct {
	Results []Result
}

func (r *Report) add(level Level, check, format string, args ...any) {
	r.Results = append(r.Results, Result{Level: level, Check: check, Detail: fmt.Sprintf(format, args...)})
}

func (r *Report) pass(check, format string, args ...any) { r.add(Pass, check, format, args...) }
func (r *Report) warn(check, format string, args ...any) { r.add(Warn, check, format, args...) }
func (r *Report) fail(check, format string, args ...any) { r.add(Fail, check, format, args...) }

// Count returns how many results have the given level.
func (r *Report) Count(level Level) int {
	n := 0
	for _, res := range r.Results {
		if res.Level == level {
			n++
		}
	}
	return n
}

// Failed reports whether any check failed.
func (r *Report) Failed() bool {
	return r.Count(Fail) > 0
}

// Summary is the closing line of a report.
func (r *Report) Summary() string {
	return fmt.Sprintf("%d passed, %d warnings, %d failed", r.Count(Pass), r.Count(Warn), r.Count(Fail))
}

// WriteTo prints every result followed by the summary.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, res := range r.Results {
		n, err := fmt.Fprintln(w, res.String())
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := fmt.Fprintln(w, r.Summary())
	total += int64(n)
	return total, err
}
