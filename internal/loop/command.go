// Package loop implements the event loop: a single-threaded, poll(2)-driven
// dispatcher that reads commands from standard input, executes them
// synchronously against a Segment Store, and fires a merge on a timer.
package loop

import (
	"fmt"
	"io"
	"strings"
)

const helpText = `commands:
  insert K V   store V under key K (V may be "quoted" to include spaces)
  get K        print the current value for K, or "not found"
  delete K     remove K
  merge        run a merge cycle now
  stats        print segment/key/byte counters
  help         print this text
  exit         shut down`

// tokenize splits a command line on whitespace, treating a double-quoted
// span as a single token so values can carry embedded spaces. Quoting is
// all-or-nothing and unescaped: a quote must open and close the entire
// token, nothing fancier.
func tokenize(line string) ([]string, error) {
	var tokens []string
	rest := strings.TrimSpace(line)

	for rest != "" {
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote")
			}
			tokens = append(tokens, rest[1:1+end])
			rest = strings.TrimSpace(rest[2+end:])
			continue
		}

		sp := strings.IndexFunc(rest, func(r rune) bool { return r == ' ' || r == '\t' })
		if sp < 0 {
			tokens = append(tokens, rest)
			break
		}
		tokens = append(tokens, rest[:sp])
		rest = strings.TrimSpace(rest[sp:])
	}

	return tokens, nil
}

// dispatch parses and executes a single command line, writing its response
// to w. It returns true if the command was "exit".
func (l *Loop) dispatch(w io.Writer, line string) (exit bool) {
	tokens, err := tokenize(line)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return false
	}
	if len(tokens) == 0 {
		return false
	}

	cmd, args := tokens[0], tokens[1:]

	switch cmd {
	case "insert":
		if len(args) != 2 {
			fmt.Fprintln(w, "error: usage: insert K V")
			return false
		}
		if err := l.store.Insert([]byte(args[0]), []byte(args[1])); err != nil {
			l.log.Errorw("insert failed", "key", args[0], "err", err)
			fmt.Fprintf(w, "error: %v\n", err)
			return false
		}
		fmt.Fprintln(w, "ok")

	case "get":
		if len(args) != 1 {
			fmt.Fprintln(w, "error: usage: get K")
			return false
		}
		val, err := l.store.Get([]byte(args[0]))
		switch {
		case err == nil:
			fmt.Fprintf(w, "%s: %s\n", args[0], val)
		case isNotFound(err):
			fmt.Fprintln(w, "not found")
		default:
			l.log.Errorw("get failed", "key", args[0], "err", err)
			fmt.Fprintf(w, "error: %v\n", err)
		}

	case "delete":
		if len(args) != 1 {
			fmt.Fprintln(w, "error: usage: delete K")
			return false
		}
		err := l.store.Delete([]byte(args[0]))
		switch {
		case err == nil:
			fmt.Fprintln(w, "ok")
		case isNotFound(err):
			fmt.Fprintln(w, "not found")
		default:
			l.log.Errorw("delete failed", "key", args[0], "err", err)
			fmt.Fprintf(w, "error: %v\n", err)
		}

	case "merge":
		if len(args) != 0 {
			fmt.Fprintln(w, "error: usage: merge")
			return false
		}
		l.runMerge(w)

	case "stats":
		if len(args) != 0 {
			fmt.Fprintln(w, "error: usage: stats")
			return false
		}
		stats, err := l.store.Stats()
		if err != nil {
			l.log.Errorw("stats failed", "err", err)
			fmt.Fprintf(w, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(w, "segments=%d bytes=%d keys=%d ops=%d\n",
			stats.Segments, stats.Bytes, stats.Keys, stats.Ops)

	case "help":
		if len(args) != 0 {
			fmt.Fprintln(w, "error: usage: help")
			return false
		}
		fmt.Fprintln(w, helpText)

	case "exit":
		if len(args) != 0 {
			fmt.Fprintln(w, "error: usage: exit")
			return false
		}
		return true

	default:
		fmt.Fprintf(w, "error: unknown command %q\n", cmd)
	}

	return false
}

// runMerge executes a merge and reports its outcome, logging instead of
// terminating on failure — a failed merge abandons that cycle only.
func (l *Loop) runMerge(w io.Writer) {
	stats, err := l.store.Merge()
	if err != nil {
		l.log.Errorw("merge failed", "err", err)
		fmt.Fprintf(w, "error: merge failed: %v\n", err)
		return
	}
	fmt.Fprintf(w, "merged: segments %d -> %d, reclaimed %d bytes\n",
		stats.SegmentsBefore, stats.SegmentsAfter, stats.BytesReclaimed)
}
