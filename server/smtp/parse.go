package smtp

import (
	"fmt"
	"strings"

	"github.com/rishavghosh108/mrx-mta/helpers"
)

// parseMailArg parses the argument of MAIL: "FROM:<path> [KEY=VALUE ...]".
// Parameter keys are returned uppercased.
func parseMailArg(arg string) (string, map[string]string, error) {
	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return "", nil, fmt.Errorf("missing FROM:")
	}

	path, params, err := splitPathAndParams(rest)
	if err != nil {
		return "", nil, err
	}
	return path, params, nil
}

// parseRcptArg parses the argument of RCPT: "TO:<path>". Parameters (e.g.
// DSN NOTIFY) are tolerated and ignored.
func parseRcptArg(arg string) (string, error) {
	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return "", fmt.Errorf("missing TO:")
	}

	path, _, err := splitPathAndParams(rest)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("empty recipient path")
	}
	return path, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// splitPathAndParams separates the angle-bracketed path from trailing
// ESMTP parameters.
func splitPathAndParams(rest string) (string, map[string]string, error) {
	if !strings.HasPrefix(rest, "<") {
		return "", nil, fmt.Errorf("path must be enclosed in angle brackets")
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", nil, fmt.Errorf("unterminated path")
	}

	path, err := helpers.ParsePath(rest[:end+1])
	if err != nil {
		return "", nil, err
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(rest[end+1:]) {
		key, value := field, ""
		if i := strings.IndexByte(field, '='); i >= 0 {
			key, value = field[:i], field[i+1:]
		}
		params[strings.ToUpper(key)] = value
	}
	return path, params, nil
}
