package delivery

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// RelayError wraps a delivery failure with its classification. Permanent
// failures (5xx) bounce the recipient; temporary failures (4xx, network
// errors) go back to the queue for retry.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether an error is a permanent (5xx) failure.
// 4xx replies and network or connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// replyText extracts the remote server's reply for recording in the
// recipient's last_error column.
func replyText(err error) string {
	if err == nil {
		return ""
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)
	}
	return err.Error()
}
