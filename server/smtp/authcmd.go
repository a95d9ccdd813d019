package smtp

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
)

func (s *session) handleAuth(arg string) bool {
	if !s.server.requireAuth {
		s.reply("502 5.5.1 Command not implemented")
		return true
	}
	if s.authenticated {
		s.reply("503 5.5.1 Already authenticated")
		return true
	}
	if s.server.authRequireTLS && !s.isTLS {
		s.reply("538 5.7.11 Encryption required for requested authentication mechanism")
		return true
	}

	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return s.syntaxError("501 5.5.4 Syntax: AUTH mechanism [initial-response]")
	}

	var identity string
	authenticate := func(username, password string) error {
		err := s.server.gate.Authenticate(s.ctx, username, password, s.remoteIP)
		if err == nil {
			identity = username
		}
		return err
	}

	var saslServer sasl.Server
	switch strings.ToUpper(fields[0]) {
	case "PLAIN":
		saslServer = sasl.NewPlainServer(func(authz, username, password string) error {
			if authz != "" && authz != username {
				return consts.ErrAuthFailed
			}
			return authenticate(username, password)
		})
	case "LOGIN":
		saslServer = sasl.NewLoginServer(authenticate)
	default:
		s.reply("504 5.5.4 Mechanism not supported")
		return true
	}

	var response []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			response = []byte{}
		} else {
			decoded, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return s.syntaxError("501 5.5.2 Invalid base64 data")
			}
			response = decoded
		}
	}

	for {
		challenge, done, err := saslServer.Next(response)
		if err != nil {
			return s.replyAuthError(err)
		}
		if done {
			break
		}

		s.reply("334 " + base64.StdEncoding.EncodeToString(challenge))
		line, err := s.readCommandLine()
		if err != nil {
			return false
		}
		if line == "*" {
			s.reply("501 5.7.0 Authentication cancelled")
			return true
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return s.syntaxError("501 5.5.2 Invalid base64 data")
		}
	}

	s.authenticated = true
	s.username = identity
	metrics.AuthAttemptsTotal.WithLabelValues(s.server.name, "success").Inc()
	s.reply("235 2.7.0 Authentication successful")
	return true
}

func (s *session) replyAuthError(err error) bool {
	if errors.Is(err, consts.ErrAuthLockedOut) {
		metrics.AuthAttemptsTotal.WithLabelValues(s.server.name, "lockout").Inc()
		s.reply("454 4.7.0 Temporary authentication failure, try again later")
		return true
	}
	metrics.AuthAttemptsTotal.WithLabelValues(s.server.name, "failure").Inc()
	logger.Info("smtp: authentication failed", "listener", s.server.name, "ip", s.remoteIP)
	s.reply("535 5.7.8 Authentication credentials invalid")
	return true
}
