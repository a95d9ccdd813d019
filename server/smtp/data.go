package smtp

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
	"github.com/rishavghosh108/mrx-mta/queue"
)

func (s *session) handleData(string) bool {
	s.reply("354 End data with <CR><LF>.<CR><LF>")

	// One deadline covers the whole body transfer.
	if s.server.commandTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.server.commandTimeout))
	}

	// DotReader undoes dot transparency and stops at the bare terminator.
	dr := textproto.NewReader(s.reader).DotReader()

	var body bytes.Buffer
	_, err := io.Copy(&body, io.LimitReader(dr, s.server.maxMessageSize+1))
	if err == nil && int64(body.Len()) > s.server.maxMessageSize {
		// Drain the rest so the next command is read cleanly, then refuse.
		_, err = io.Copy(io.Discard, dr)
		if err == nil {
			s.reply("552 5.3.4 Message size exceeds fixed maximum message size")
			s.resetTransaction()
			return true
		}
	}
	if err != nil {
		// A broken DATA phase is never partially enqueued.
		logger.Debug("smtp: DATA aborted", "listener", s.server.name, "ip", s.remoteIP, "error", err)
		return false
	}

	if hops := countReceivedHeaders(body.Bytes()); hops >= consts.MaxHops {
		logger.Warn("smtp: mail loop detected", "listener", s.server.name, "ip", s.remoteIP,
			"sender", s.sender, "hops", hops)
		s.reply("554 5.4.6 Too many hops, routing loop detected")
		s.resetTransaction()
		return true
	}

	queueID := uuid.New().String()
	payload := make([]byte, 0, body.Len()+256)
	payload = append(payload, s.receivedHeader(queueID)...)
	payload = append(payload, body.Bytes()...)

	env := &queue.Envelope{
		ID:         queueID,
		Sender:     s.sender,
		Recipients: s.recipients,
		SourceIP:   s.remoteIP,
		HELOName:   s.heloName,
	}
	if _, err := s.server.queue.Enqueue(s.ctx, env, payload); err != nil {
		logger.Error("smtp: enqueue failed", "listener", s.server.name, "ip", s.remoteIP,
			"sender", s.sender, "error", err)
		s.reply("451 4.3.0 Temporary failure, try again later")
		s.resetTransaction()
		return true
	}

	metrics.MessagesReceivedTotal.WithLabelValues(s.server.name).Inc()
	metrics.BytesReceivedTotal.Add(float64(len(payload)))
	logger.Info("smtp: message accepted", "listener", s.server.name, "id", queueID,
		"ip", s.remoteIP, "sender", s.sender, "recipients", len(s.recipients), "size", len(payload))

	if s.server.notify != nil {
		s.server.notify()
	}

	s.reply("250 2.0.0 Ok: queued as " + queueID)
	s.resetTransaction()
	return true
}

// receivedHeader builds the trace header prepended to every accepted
// message, RFC 5321 section 4.4.
func (s *session) receivedHeader(queueID string) []byte {
	proto := "SMTP"
	if s.esmtp {
		proto = "ESMTP"
	}
	if s.isTLS {
		proto += "S"
	}
	if s.authenticated {
		proto += "A"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "Received: from %s ([%s])\r\n", s.heloName, s.remoteIP)
	fmt.Fprintf(&b, "\tby %s with %s id %s;\r\n", s.server.hostname, proto, queueID)
	fmt.Fprintf(&b, "\t%s\r\n", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))
	return b.Bytes()
}

// countReceivedHeaders counts Received lines in the header block, the hop
// count used for loop detection.
func countReceivedHeaders(data []byte) int {
	count := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			break // end of headers
		}
		if len(line) >= 9 && strings.EqualFold(string(line[:9]), "Received:") {
			count++
		}
	}
	return count
}
