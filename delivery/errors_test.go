package delivery

import (
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain network error", err: errors.New("connection refused"), want: false},
		{
			name: "permanent relay error",
			err:  &RelayError{Err: errors.New("user unknown"), Permanent: true},
			want: true,
		},
		{
			name: "temporary relay error",
			err:  &RelayError{Err: errors.New("greylisted"), Permanent: false},
			want: false,
		},
		{
			name: "wrapped relay error",
			err:  fmt.Errorf("delivering to mx1: %w", &RelayError{Err: errors.New("rejected"), Permanent: true}),
			want: true,
		},
		{
			name: "smtp 550",
			err:  &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
			want: true,
		},
		{
			name: "smtp 451",
			err:  &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "try again later"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentError(tt.err); got != tt.want {
				t.Errorf("IsPermanentError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestReplyText(t *testing.T) {
	if got := replyText(nil); got != "" {
		t.Errorf("replyText(nil) = %q, want empty", got)
	}

	smtpErr := &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "mailbox unavailable"}
	if got := replyText(smtpErr); got != "550 mailbox unavailable" {
		t.Errorf("replyText(smtp) = %q", got)
	}

	if got := replyText(errors.New("dial tcp: timeout")); got != "dial tcp: timeout" {
		t.Errorf("replyText(plain) = %q", got)
	}
}

func TestRelayErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &RelayError{Err: inner, Permanent: true}
	if !errors.Is(err, inner) {
		t.Error("RelayError does not unwrap to its inner error")
	}
}
