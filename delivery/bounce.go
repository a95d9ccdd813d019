package delivery

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
	"github.com/rishavghosh108/mrx-mta/queue"
)

// maybeBounce generates and enqueues a non-delivery report for the failed
// recipients of a message. Bounces carry the null return path and a bounce
// is never generated for a message that is itself a bounce, which is what
// keeps two misconfigured servers from playing ping-pong forever.
func (e *Engine) maybeBounce(ctx context.Context, msg *db.QueueMessage, failed []db.QueueRecipient, original []byte) {
	if len(failed) == 0 {
		return
	}
	if msg.IsBounce || msg.Sender == "" {
		logger.Info("delivery: suppressing bounce for bounce message", "id", msg.ID)
		return
	}

	report, err := composeBounce(e.hostname, msg, failed, original)
	if err != nil {
		logger.Error("delivery: failed to compose bounce", "id", msg.ID, "error", err)
		return
	}

	env := &queue.Envelope{
		Sender:     "",
		Recipients: []string{msg.Sender},
		IsBounce:   true,
	}
	if _, err := e.queue.Enqueue(ctx, env, report); err != nil {
		logger.Error("delivery: failed to enqueue bounce", "id", msg.ID, "error", err)
		return
	}
	metrics.BouncesGeneratedTotal.Inc()
	logger.Info("delivery: bounce enqueued", "id", msg.ID, "recipients", len(failed))
}

// composeBounce builds a multipart/report DSN: a human-readable part, a
// machine-readable delivery-status part, and the original header block.
func composeBounce(hostname string, msg *db.QueueMessage, failed []db.QueueRecipient, original []byte) ([]byte, error) {
	var buf bytes.Buffer

	var h message.Header
	h.Set("From", fmt.Sprintf("Mail Delivery System <MAILER-DAEMON@%s>", hostname))
	h.Set("To", msg.Sender)
	h.Set("Subject", "Undelivered Mail Returned to Sender")
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Message-ID", fmt.Sprintf("<%s@%s>", uuid.New().String(), hostname))
	h.Set("Auto-Submitted", "auto-replied")
	h.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})

	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var textHeader message.Header
	textHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(tw, "This is the mail system at host %s.\r\n\r\n", hostname)
	fmt.Fprintf(tw, "I'm sorry to have to inform you that your message could not\r\n")
	fmt.Fprintf(tw, "be delivered to one or more recipients.\r\n\r\n")
	for _, rcpt := range failed {
		reason := rcpt.LastError
		if reason == "" {
			reason = "delivery failed"
		}
		fmt.Fprintf(tw, "<%s>: %s\r\n", rcpt.Address, reason)
	}
	tw.Close()

	var statusHeader message.Header
	statusHeader.SetContentType("message/delivery-status", nil)
	sw, err := w.CreatePart(statusHeader)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(sw, "Reporting-MTA: dns; %s\r\n", hostname)
	fmt.Fprintf(sw, "Arrival-Date: %s\r\n\r\n", msg.ReceivedAt.Format(time.RFC1123Z))
	for _, rcpt := range failed {
		fmt.Fprintf(sw, "Final-Recipient: rfc822; %s\r\n", rcpt.Address)
		fmt.Fprintf(sw, "Action: failed\r\n")
		fmt.Fprintf(sw, "Status: 5.0.0\r\n")
		if rcpt.LastError != "" {
			fmt.Fprintf(sw, "Diagnostic-Code: smtp; %s\r\n", rcpt.LastError)
		}
		fmt.Fprintf(sw, "\r\n")
	}
	sw.Close()

	var origHeader message.Header
	origHeader.SetContentType("text/rfc822-headers", nil)
	ow, err := w.CreatePart(origHeader)
	if err != nil {
		return nil, err
	}
	if _, err := ow.Write(headerBlock(original)); err != nil {
		return nil, err
	}
	ow.Close()

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// headerBlock returns a message's header section, everything up to the
// first blank line.
func headerBlock(data []byte) []byte {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return data[:idx+2]
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return data[:idx+1]
	}
	return data
}
