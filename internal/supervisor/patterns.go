package supervisor

import (
	"regexp"
	"strings"
)

var raiseToken = regexp.MustCompile(`\braise\b`)

// advisory extracts the operator hint from a stderr line mentioning an
// AssertionError or a raise statement. The result is informational only.
func advisory(line string) (string, bool) {
	if i := strings.Index(line, "AssertionError"); i >= 0 {
		return trailing(line, i+len("AssertionError")), true
	}
	if loc := raiseToken.FindStringIndex(line); loc != nil {
		return trailing(line, loc[1]), true
	}
	return "", false
}

func trailing(line string, from int) string {
	msg := strings.TrimSpace(strings.TrimLeft(line[from:], ": "))
	if msg == "" {
		return strings.TrimSpace(line)
	}
	return msg
}
