package helpers

import "strings"

// MaskSensitive redacts credentials from a command line before it is logged.
// For AUTH the mechanism name is kept and the initial response, if any, is
// replaced. Continuation lines carrying base64 credential data should not be
// logged at all.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}

	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	if len(parts) < 1 {
		return line
	}

	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	// "AUTH PLAIN <base64>" keeps the verb and mechanism, drops the rest.
	partsToKeepCount := cmdIndex + 2
	if len(parts) > partsToKeepCount {
		return strings.Join(parts[:partsToKeepCount], " ") + " [REDACTED]"
	}
	return line
}
