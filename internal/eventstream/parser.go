// Package eventstream turns an agent subprocess's stdout byte stream into
// a lazy, in-order sequence of agentcli.Event values. It is line-buffered
// and tolerant of malformed input: a bad line is skipped, not fatal.
package eventstream

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/kandev/kandev/pkg/agentcli"
)

// maxLineBytes bounds a single JSONL line; the agent's aggregated command
// output can be long, so this is generous, matching the enlarged scan
// buffer the codebase uses elsewhere for long JSON-RPC lines.
const maxLineBytes = 1024 * 1024

// Parser decodes a byte stream into events, one per call to Next.
type Parser struct {
	scanner    *bufio.Scanner
	skipped    int
	decodeErrs int
}

// New wraps r with a tolerant line-buffered JSONL decoder.
func New(r io.Reader) *Parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Parser{scanner: scanner}
}

// Next returns the next decoded event, skipping (and counting) any
// malformed or empty lines, or (nil, false) at end of stream.
func (p *Parser) Next() (*agentcli.Event, bool) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev agentcli.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			p.skipped++
			p.decodeErrs++
			continue
		}
		return &ev, true
	}
	return nil, false
}

// SkippedLines returns the count of lines that failed to decode and were
// skipped rather than terminating the stream.
func (p *Parser) SkippedLines() int {
	return p.skipped
}

// All drains the parser into a slice. Convenience for tests and for the
// final Result.events field; callers on a live stream should prefer Next.
func All(r io.Reader) ([]agentcli.Event, int) {
	p := New(r)
	var events []agentcli.Event
	for {
		ev, ok := p.Next()
		if !ok {
			break
		}
		events = append(events, *ev)
	}
	return events, p.SkippedLines()
}
