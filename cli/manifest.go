package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"

	"sam3web/task"
)

// ParseManifest reads one video per line as `<video-url> [label words...]`.
// Lines are split like a shell would, so labels may be quoted. Blank lines
// and lines starting with # are ignored. Entries are numbered from 1 in
// file order.
func ParseManifest(r io.Reader) ([]task.Entry, error) {
	var entries []task.Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: invalid syntax: %w", lineNo, err)
		}
		if len(fields) == 0 {
			continue
		}

		entries = append(entries, task.Entry{
			Index:     len(entries) + 1,
			SourceRef: fields[0],
			Label:     strings.Join(fields[1:], " "),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}
