package smtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/helpers"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
)

// Session states. RECEIVING_DATA is transient inside handleData; the
// dispatch loop never observes it.
type sessionState int

const (
	stateInit sessionState = iota
	stateGreeted
	stateMailSet
	stateRcptSet
)

func (st sessionState) String() string {
	switch st {
	case stateInit:
		return "INIT"
	case stateGreeted:
		return "GREETED"
	case stateMailSet:
		return "MAIL_SET"
	case stateRcptSet:
		return "RCPT_SET"
	default:
		return "UNKNOWN"
	}
}

type stateMask uint8

const (
	inInit stateMask = 1 << iota
	inGreeted
	inMailSet
	inRcptSet

	anyState  = inInit | inGreeted | inMailSet | inRcptSet
	postHello = inGreeted | inMailSet | inRcptSet
)

func (m stateMask) contains(st sessionState) bool {
	return m&(stateMask(1)<<uint(st)) != 0
}

// command binds a verb to its valid-state set. An out-of-sequence command
// gets a 503 without the handler running or state changing.
type command struct {
	states  stateMask
	handler func(*session, string) bool // returns false to end the session
}

var commandTable = map[string]command{
	"EHLO":     {anyState, (*session).handleEhlo},
	"HELO":     {anyState, (*session).handleHelo},
	"MAIL":     {inGreeted, (*session).handleMail},
	"RCPT":     {inMailSet | inRcptSet, (*session).handleRcpt},
	"DATA":     {inRcptSet, (*session).handleData},
	"RSET":     {postHello, (*session).handleRset},
	"STARTTLS": {postHello, (*session).handleStartTLS},
	"AUTH":     {inGreeted, (*session).handleAuth},
	"NOOP":     {anyState, (*session).handleNoop},
	"VRFY":     {postHello, (*session).handleVrfy},
	"EXPN":     {postHello, (*session).handleExpn},
	"HELP":     {anyState, (*session).handleHelp},
	"QUIT":     {anyState, (*session).handleQuit},
}

type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context
	cancel context.CancelFunc

	id       string
	remoteIP string

	state         sessionState
	heloName      string
	esmtp         bool // EHLO rather than HELO
	isTLS         bool
	authenticated bool
	username      string

	sender     string
	recipients []string

	unknownCount int
	syntaxErrors int

	releaseConn func()
	startTime   time.Time
}

func (s *Server) newSession(conn net.Conn, remoteIP string, releaseConn func()) *session {
	ctx, cancel := context.WithCancel(s.appCtx)
	return &session{
		server:      s,
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, consts.MaxLineLength),
		writer:      bufio.NewWriter(conn),
		ctx:         ctx,
		cancel:      cancel,
		id:          uuid.New().String(),
		remoteIP:    remoteIP,
		state:       stateInit,
		isTLS:       s.implicitTLS,
		releaseConn: releaseConn,
		startTime:   time.Now(),
	}
}

func (s *session) serve() {
	defer s.close()

	s.reply("220 " + s.server.hostname + " ESMTP ready")

	for {
		if s.ctx.Err() != nil {
			s.reply("421 4.3.0 Server shutting down, try again later")
			return
		}

		line, err := s.readCommandLine()
		if err != nil {
			switch {
			case errors.Is(err, errLineTooLong):
				if !s.syntaxError("500 5.5.2 Line too long") {
					return
				}
				continue
			case errors.Is(err, io.EOF):
				logger.Debug("smtp: client dropped connection", "listener", s.server.name, "ip", s.remoteIP)
			default:
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					s.reply("421 4.4.2 Idle timeout, closing connection")
					logger.Debug("smtp: session timed out", "listener", s.server.name, "ip", s.remoteIP)
				} else {
					logger.Debug("smtp: read error", "listener", s.server.name, "ip", s.remoteIP, "error", err)
				}
			}
			return
		}

		if line == "" {
			if !s.syntaxError("500 5.5.2 Syntax error") {
				return
			}
			continue
		}

		verb, arg := splitCommand(line)
		logger.Debug("smtp: command", "listener", s.server.name, "ip", s.remoteIP,
			"line", helpers.MaskSensitive(line, verb, "AUTH"))

		cmd, known := commandTable[verb]
		if !known {
			s.unknownCount++
			metrics.CommandsTotal.WithLabelValues(s.server.name, "UNKNOWN").Inc()
			if s.unknownCount >= consts.MaxUnknownCommands {
				s.reply("421 4.7.0 Too many unknown commands, closing connection")
				return
			}
			s.reply("500 5.5.1 Command not recognized")
			continue
		}

		if !cmd.states.contains(s.state) {
			metrics.CommandsTotal.WithLabelValues(s.server.name, verb).Inc()
			s.reply("503 5.5.1 Bad sequence of commands")
			continue
		}

		start := time.Now()
		keep := cmd.handler(s, arg)
		metrics.CommandsTotal.WithLabelValues(s.server.name, verb).Inc()
		metrics.CommandDuration.WithLabelValues(s.server.name, verb).Observe(time.Since(start).Seconds())
		if !keep {
			return
		}
	}
}

var errLineTooLong = errors.New("line too long")

// readCommandLine reads one CRLF-terminated command under the command
// deadline. A line exceeding the buffer is drained and rejected so the
// next command starts clean.
func (s *session) readCommandLine() (string, error) {
	if s.server.commandTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
	}

	line, isPrefix, err := s.reader.ReadLine()
	if err != nil {
		return "", err
	}
	if isPrefix {
		for isPrefix && err == nil {
			_, isPrefix, err = s.reader.ReadLine()
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r"), nil
}

func splitCommand(line string) (verb, arg string) {
	verb = line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, arg = line[:i], strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(verb), arg
}

func (s *session) reply(line string) {
	s.writer.WriteString(line + "\r\n")
	s.writer.Flush()
}

// replyMultiline writes an RFC 5321 multiline reply: hyphen after the code
// on all but the last line.
func (s *session) replyMultiline(code string, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writer.WriteString(code + sep + l + "\r\n")
	}
	s.writer.Flush()
}

// syntaxError replies and enforces the syntax-error cap. Returns false
// when the session must close.
func (s *session) syntaxError(line string) bool {
	s.syntaxErrors++
	if s.syntaxErrors >= consts.MaxSyntaxErrors {
		s.reply("421 4.7.0 Too many errors, closing connection")
		return false
	}
	s.reply(line)
	return true
}

// resetTransaction clears MAIL/RCPT state, keeping greeting and auth.
func (s *session) resetTransaction() {
	s.sender = ""
	s.recipients = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

func (s *session) close() {
	s.cancel()
	s.conn.Close()
	if s.releaseConn != nil {
		s.releaseConn()
	}
	metrics.ConnectionsCurrent.WithLabelValues(s.server.name).Dec()
	logger.Debug("smtp: session closed", "listener", s.server.name, "ip", s.remoteIP,
		"duration", time.Since(s.startTime).Round(time.Millisecond))
}
