package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/helpers"
	"github.com/rishavghosh108/mrx-mta/logger"
)

func (s *session) handleEhlo(arg string) bool {
	if arg == "" {
		return s.syntaxError("501 5.5.4 Syntax: EHLO hostname")
	}

	s.heloName = arg
	s.esmtp = true
	s.resetTransaction()
	s.state = stateGreeted

	lines := []string{
		fmt.Sprintf("%s Hello %s [%s]", s.server.hostname, arg, s.remoteIP),
		fmt.Sprintf("SIZE %d", s.server.maxMessageSize),
		"PIPELINING",
		"8BITMIME",
		"DSN",
	}
	if s.server.tlsConfig != nil && !s.server.implicitTLS && !s.isTLS {
		lines = append(lines, "STARTTLS")
	}
	if s.offersAuth() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "ENHANCEDSTATUSCODES")
	s.replyMultiline("250", lines)
	return true
}

// offersAuth reports whether AUTH may be advertised right now. On a
// TLS-before-AUTH policy the extension only appears once the channel is
// encrypted, per RFC 4954.
func (s *session) offersAuth() bool {
	if !s.server.requireAuth {
		return false
	}
	if s.server.authRequireTLS && !s.isTLS {
		return false
	}
	return true
}

func (s *session) handleHelo(arg string) bool {
	if arg == "" {
		return s.syntaxError("501 5.5.4 Syntax: HELO hostname")
	}
	s.heloName = arg
	s.esmtp = false
	s.resetTransaction()
	s.state = stateGreeted
	s.reply("250 " + s.server.hostname)
	return true
}

func (s *session) handleMail(arg string) bool {
	if s.server.requireAuth && !s.authenticated {
		s.reply("530 5.7.0 Authentication required")
		return true
	}

	path, params, err := parseMailArg(arg)
	if err != nil {
		return s.syntaxError("501 5.5.4 Syntax: MAIL FROM:<address>")
	}

	for key, value := range params {
		switch key {
		case "SIZE":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return s.syntaxError("501 5.5.4 Invalid SIZE parameter")
			}
			if size > s.server.maxMessageSize {
				s.reply("552 5.3.4 Message size exceeds fixed maximum message size")
				return true
			}
		case "BODY":
			if v := strings.ToUpper(value); v != "7BIT" && v != "8BITMIME" {
				return s.syntaxError("501 5.5.4 Invalid BODY parameter")
			}
		case "RET", "ENVID":
			// DSN parameters are accepted but not propagated outbound.
		default:
			s.reply("555 5.5.4 Unsupported parameter " + key)
			return true
		}
	}

	if path != "" {
		if _, _, err := helpers.SplitEmailAddress(path); err != nil {
			s.reply("553 5.1.7 Invalid sender address")
			return true
		}
	}

	if err := s.server.policy.CheckSender(s.ctx, s.remoteIP, path, s.username); err != nil {
		s.replyPolicyError(err, "sender", path)
		return true
	}

	s.sender = path
	s.state = stateMailSet
	s.reply("250 2.1.0 Ok")
	return true
}

func (s *session) handleRcpt(arg string) bool {
	if len(s.recipients) >= s.server.maxRecipients {
		s.reply("452 4.5.3 Too many recipients")
		return true
	}

	path, err := parseRcptArg(arg)
	if err != nil {
		return s.syntaxError("501 5.5.4 Syntax: RCPT TO:<address>")
	}
	_, domain, err := helpers.SplitEmailAddress(path)
	if err != nil {
		s.reply("553 5.1.3 Invalid recipient address")
		return true
	}

	if err := s.server.policy.CheckRelay(s.remoteIP, domain, s.authenticated); err != nil {
		logger.Info("smtp: relay denied", "listener", s.server.name, "ip", s.remoteIP,
			"sender", s.sender, "recipient", path)
		s.reply("550 5.7.1 Relaying denied")
		return true
	}

	if err := s.server.policy.CheckRecipient(s.ctx, s.remoteIP, s.sender, path, s.authenticated); err != nil {
		s.replyPolicyError(err, "recipient", path)
		return true
	}

	if !containsFold(s.recipients, path) {
		s.recipients = append(s.recipients, path)
	}
	s.state = stateRcptSet
	s.reply("250 2.1.5 Ok")
	return true
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}

// replyPolicyError maps policy sentinel errors to SMTP replies. Internal
// evaluation failures surface as temporary errors, never as acceptance.
func (s *session) replyPolicyError(err error, what, who string) {
	switch {
	case errors.Is(err, consts.ErrPolicyGreylisted):
		s.reply("450 4.7.1 Greylisted, try again later")
	case errors.Is(err, consts.ErrPolicyRateLimit):
		s.reply("450 4.7.0 Rate limit exceeded, slow down")
	case errors.Is(err, consts.ErrPolicyBlacklist):
		s.reply("550 5.7.1 Rejected by policy")
	default:
		logger.Warn("smtp: policy evaluation failed", "listener", s.server.name,
			"ip", s.remoteIP, what, who, "error", err)
		s.reply("451 4.3.0 Temporary policy failure, try again later")
	}
}

func (s *session) handleRset(string) bool {
	s.resetTransaction()
	s.reply("250 2.0.0 Ok")
	return true
}

func (s *session) handleStartTLS(string) bool {
	if s.server.tlsConfig == nil || s.server.implicitTLS {
		s.reply("502 5.5.1 STARTTLS not supported")
		return true
	}
	if s.isTLS {
		s.reply("454 4.7.0 TLS already active")
		return true
	}

	s.reply("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	if s.server.commandTimeout > 0 {
		tlsConn.SetDeadline(time.Now().Add(s.server.commandTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		logger.Debug("smtp: TLS handshake failed", "listener", s.server.name, "ip", s.remoteIP, "error", err)
		return false
	}
	tlsConn.SetDeadline(time.Time{})

	// The plaintext session state is void after the upgrade. The client
	// must greet again; anything it pipelined before the handshake is
	// gone with the old buffers.
	s.conn = tlsConn
	s.reader.Reset(tlsConn)
	s.writer.Reset(tlsConn)
	s.isTLS = true
	s.heloName = ""
	s.esmtp = false
	s.authenticated = false
	s.username = ""
	s.sender = ""
	s.recipients = nil
	s.state = stateInit
	return true
}

func (s *session) handleNoop(string) bool {
	s.reply("250 2.0.0 Ok")
	return true
}

func (s *session) handleVrfy(string) bool {
	// Never confirm or deny an address.
	s.reply("252 2.1.5 Cannot VRFY user, send some mail and find out")
	return true
}

func (s *session) handleExpn(string) bool {
	s.reply("502 5.5.1 Command not implemented")
	return true
}

func (s *session) handleHelp(string) bool {
	s.replyMultiline("214", []string{
		"2.0.0 Commands supported:",
		"2.0.0 EHLO HELO MAIL RCPT DATA RSET NOOP QUIT",
		"2.0.0 VRFY HELP STARTTLS AUTH",
	})
	return true
}

func (s *session) handleQuit(string) bool {
	s.reply("221 2.0.0 " + s.server.hostname + " closing connection")
	return false
}
