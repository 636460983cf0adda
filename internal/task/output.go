package task

import (
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Terminal logs can be large; only the end is ever inspected.
const logTailBytes = 64 * 1024

var (
	exitMarkerRe = regexp.MustCompile(regexp.QuoteMeta(ExitMarker) + ` code=(\d+)`)
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][0-9A-Za-z]`)
)

func readLogTail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - logTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readExitMarker returns the exit code from the last well-formed marker in
// the task's output log.
func readExitMarker(path string) (int, bool) {
	text, err := readLogTail(path)
	if err != nil {
		return 0, false
	}
	matches := exitMarkerRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(matches[len(matches)-1][1])
	if err != nil {
		return 0, false
	}
	return code, true
}

// cleanTerminalText strips escape sequences and carriage-return redraws that
// pipe-pane records verbatim.
func cleanTerminalText(raw string) string {
	text := ansiRe.ReplaceAllString(raw, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if idx := strings.LastIndex(line, "\r"); idx >= 0 {
			lines[i] = line[idx+1:]
		}
	}
	return strings.Join(lines, "\n")
}

// tailLines keeps the last n lines, ignoring trailing blank lines that tmux
// pads the visible screen with.
func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, " \t\r\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
