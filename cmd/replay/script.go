package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// step is one line of a replay script: a client message as the browser
// would send it, plus an optional pause before it.
type step struct {
	line  int
	after time.Duration
	raw   []byte
}

// parseScript reads a JSON-lines script. Blank lines and lines starting with
// '#' are skipped. "after" accepts Go durations ("1500ms", "2s").
func parseScript(r io.Reader) ([]step, error) {
	var steps []step
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var head struct {
			Action string `json:"action"`
			After  string `json:"after"`
		}
		if err := json.Unmarshal([]byte(text), &head); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if head.Action == "" {
			return nil, fmt.Errorf("line %d: action is required", n)
		}

		s := step{line: n, raw: []byte(text)}
		if head.After != "" {
			d, err := time.ParseDuration(head.After)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("line %d: invalid after %q", n, head.After)
			}
			s.after = d
		}
		steps = append(steps, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return steps, nil
}
