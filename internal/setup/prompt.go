// Package setup implements the interactive wizard behind "rowsync init": it
// inspects the source database, lets the user pick the tables to sync, checks
// the document store, and writes the configuration.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// errNoInput is returned when the input stream ends before a valid answer.
var errNoInput = errors.New("no input")

// Prompter asks questions on w and reads answers line by line from r.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// line prints the prompt and returns the trimmed answer. ok is false at EOF.
func (p *Prompter) line(format string, args ...any) (string, bool) {
	_, _ = fmt.Fprintf(p.w, "  "+format+": ", args...)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String asks for a text value. Enter accepts defaultVal; with no default the
// question repeats until something is typed.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		var (
			val string
			ok  bool
		)
		if defaultVal != "" {
			val, ok = p.line("%s [%s]", label, defaultVal)
		} else {
			val, ok = p.line("%s", label)
		}
		switch {
		case !ok:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		_, _ = fmt.Fprintln(p.w, "  (a value is required)")
	}
}

// Optional asks for a value that may be left empty, such as a token for a
// store with public rules. The answer is not masked.
func (p *Prompter) Optional(label string) string {
	val, _ := p.line("%s (optional)", label)
	return val
}

// Confirm asks a yes/no question; Enter selects defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	answer, ok := p.line("%s %s", label, hint)
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Select asks the user to pick one of options and returns its index.
func (p *Prompter) Select(label string, options []string) (int, error) {
	idx, err := p.pick(label, options, false)
	if err != nil {
		return -1, err
	}
	return idx[0], nil
}

// MultiSelect asks for one or more options ("1,3" or "all") and returns their
// indices in the order given.
func (p *Prompter) MultiSelect(label string, options []string) ([]int, error) {
	return p.pick(label, options, true)
}

func (p *Prompter) pick(label string, options []string, multi bool) ([]int, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	question := fmt.Sprintf("Choice [1-%d]", len(options))
	if multi {
		question = "Choices (e.g. 1,3 or all)"
	}
	for {
		answer, ok := p.line("%s", question)
		if !ok {
			return nil, errNoInput
		}
		if idx, valid := parseChoices(answer, len(options), multi); valid {
			return idx, nil
		}
		_, _ = fmt.Fprintf(p.w, "  (enter numbers between 1 and %d)\n", len(options))
	}
}

// parseChoices converts a 1-based answer into 0-based indices, dropping
// repeats.
func parseChoices(answer string, n int, multi bool) ([]int, bool) {
	if multi && strings.EqualFold(answer, "all") {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx, true
	}

	parts := []string{answer}
	if multi {
		parts = strings.Split(answer, ",")
	}
	seen := make(map[int]bool, len(parts))
	var idx []int
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v < 1 || v > n {
			return nil, false
		}
		if !seen[v] {
			seen[v] = true
			idx = append(idx, v-1)
		}
	}
	return idx, len(idx) > 0
}
