package helpers

import (
	"fmt"
	"strings"

	"github.com/rishavghosh108/mrx-mta/consts"
)

// SplitEmailAddress splits an address into its local part and domain.
// The address is lowercased; domains in mail routing are case-insensitive
// and local-part case folding is the receiving server's problem.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("%w: %q", consts.ErrMalformedAddress, email)
	}
	return email[:at], email[at+1:], nil
}

// Domain returns the domain part of an address, or "" if malformed.
func Domain(email string) string {
	_, domain, err := SplitEmailAddress(email)
	if err != nil {
		return ""
	}
	return domain
}

// ParsePath extracts the address from an SMTP path argument such as
// "<user@example.com>". The empty path "<>" is valid and denotes the null
// return path used by bounce messages.
func ParsePath(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if !strings.HasPrefix(arg, "<") || !strings.HasSuffix(arg, ">") {
		return "", fmt.Errorf("%w: path must be enclosed in angle brackets", consts.ErrMalformedAddress)
	}
	addr := arg[1 : len(arg)-1]
	if addr == "" {
		return "", nil
	}
	// Strip a source route prefix like "@relay.example.com:" if present.
	if strings.HasPrefix(addr, "@") {
		if colon := strings.Index(addr, ":"); colon != -1 {
			addr = addr[colon+1:]
		}
	}
	if _, _, err := SplitEmailAddress(addr); err != nil {
		return "", err
	}
	return strings.ToLower(addr), nil
}
