package heartbeat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// HasActionableTasks reports whether the task file content contains at
// least one line that is not blank, a Markdown heading, part of an HTML
// comment, or an empty checkbox.
func HasActionableTasks(content []byte) bool {
	inComment := false
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if inComment {
			if _, after, ok := strings.Cut(line, "-->"); ok {
				inComment = false
				line = strings.TrimSpace(after)
			} else {
				continue
			}
		}
		for strings.HasPrefix(line, "<!--") {
			_, after, ok := strings.Cut(line[4:], "-->")
			if !ok {
				inComment = true
				line = ""
				break
			}
			line = strings.TrimSpace(after)
		}
		switch {
		case line == "":
		case strings.HasPrefix(line, "#"):
		case isEmptyCheckbox(line):
		default:
			return true
		}
	}
	return false
}

func isEmptyCheckbox(line string) bool {
	for _, p := range []string{"- [ ]", "* [ ]", "- []", "* []"} {
		if rest, ok := strings.CutPrefix(line, p); ok {
			return strings.TrimSpace(rest) == ""
		}
	}
	return false
}

// readTasks reports whether path holds actionable tasks. A missing file
// has none.
func readTasks(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat: reading task file: %w", err)
	}
	return HasActionableTasks(data), nil
}
