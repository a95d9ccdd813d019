package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
)

// rcptResult is the outcome of one delivery attempt for one recipient.
type rcptResult struct {
	status  string // db.RecipientStatusDelivered, Deferred or Bounced
	errText string
}

func allResults(rcpts []string, status, errText string) map[string]rcptResult {
	out := make(map[string]rcptResult, len(rcpts))
	for _, r := range rcpts {
		out[r] = rcptResult{status: status, errText: errText}
	}
	return out
}

// deliverDomain attempts delivery of one message to all pending recipients
// in a single destination domain. MX hosts are tried in preference order;
// only connection failures move the walk to the next host. Once a host
// answers, its verdict stands: a 5xx bounces, a 4xx defers.
//
// The returned error is non-nil only when no host could be reached; the
// per-domain circuit breaker counts exactly those failures.
func (e *Engine) deliverDomain(ctx context.Context, domain, sender string, rcpts []string, data []byte) (map[string]rcptResult, error) {
	start := time.Now()

	var hosts []string
	if e.smarthost.IsConfigured() {
		hosts = []string{e.smarthost.Host}
	} else {
		resolved, err := ResolveMX(ctx, domain)
		if err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
				metrics.DeliveryAttemptsTotal.WithLabelValues("bounced").Add(float64(len(rcpts)))
				return allResults(rcpts, db.RecipientStatusBounced, "no such domain: "+domain), nil
			}
			if IsPermanentError(err) {
				metrics.DeliveryAttemptsTotal.WithLabelValues("bounced").Add(float64(len(rcpts)))
				return allResults(rcpts, db.RecipientStatusBounced, err.Error()), nil
			}
			metrics.DeliveryAttemptsTotal.WithLabelValues("deferred").Add(float64(len(rcpts)))
			return allResults(rcpts, db.RecipientStatusDeferred, err.Error()), err
		}
		hosts = resolved
	}

	var lastErr error
	for _, host := range hosts {
		c, err := e.dial(host)
		if err != nil {
			logger.Debug("delivery: connection failed, trying next host",
				"domain", domain, "host", host, "error", err)
			lastErr = err
			continue
		}

		results := e.transact(c, sender, rcpts, data)
		observeResults(results, time.Since(start))
		return results, nil
	}

	errText := "all mail hosts unreachable"
	if lastErr != nil {
		errText = lastErr.Error()
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("deferred").Add(float64(len(rcpts)))
	walkErr := &RelayError{Err: fmt.Errorf("%s: %s", domain, errText)}
	return allResults(rcpts, db.RecipientStatusDeferred, errText), walkErr
}

func observeResults(results map[string]rcptResult, elapsed time.Duration) {
	for _, res := range results {
		metrics.DeliveryAttemptsTotal.WithLabelValues(res.status).Inc()
		metrics.DeliveryDuration.WithLabelValues(res.status).Observe(elapsed.Seconds())
	}
}

// dial opens an SMTP session to a host. Direct MX delivery is opportunistic
// about STARTTLS: upgrade when offered, carry on in plaintext when not.
// Smarthost connections honor the configured TLS mode and credentials.
func (e *Engine) dial(host string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: e.tlsSkipVerify,
		ServerName:         hostOnly(host),
	}

	if e.smarthost.IsConfigured() {
		return e.dialSmarthost(tlsConfig)
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":25"
	}

	conn, err := net.DialTimeout("tcp", addr, e.connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := e.newClient(conn)

	if err := c.Hello(e.heloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO rejected by %s: %w", addr, err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS failed with %s: %w", addr, err)
		}
	}

	return c, nil
}

func (e *Engine) dialSmarthost(tlsConfig *tls.Config) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: e.connectTimeout}

	var conn net.Conn
	var err error
	if e.smarthost.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", e.smarthost.Host, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", e.smarthost.Host)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to smarthost %s: %w", e.smarthost.Host, err)
	}
	c := e.newClient(conn)

	if err := c.Hello(e.heloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO rejected by smarthost: %w", err)
	}

	switch {
	case e.smarthost.StartTLS:
		// Explicit STARTTLS mode: failure to upgrade is fatal.
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS failed with smarthost: %w", err)
		}
	case !e.smarthost.TLS:
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				c.Close()
				return nil, fmt.Errorf("STARTTLS failed with smarthost: %w", err)
			}
		}
	}

	if e.smarthost.Username != "" {
		auth := sasl.NewPlainClient("", e.smarthost.Username, e.smarthost.Password)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, fmt.Errorf("smarthost authentication failed: %w", err)
		}
	}

	return c, nil
}

// newClient wraps an established connection and bounds every subsequent
// SMTP command with the configured timeout, so a remote that accepts the
// connection and then stalls cannot pin a worker indefinitely. A timed-out
// command surfaces as a network error and the attempt is deferred.
func (e *Engine) newClient(conn net.Conn) *smtp.Client {
	c := smtp.NewClient(conn)
	if e.commandTimeout > 0 {
		c.CommandTimeout = e.commandTimeout
	}
	return c
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// transact runs one mail transaction against a connected host and maps the
// replies onto per-recipient results.
func (e *Engine) transact(c *smtp.Client, sender string, rcpts []string, data []byte) map[string]rcptResult {
	defer c.Close()

	if err := c.Mail(sender, nil); err != nil {
		return allResults(rcpts, failStatus(err), replyText(err))
	}

	results := make(map[string]rcptResult, len(rcpts))
	var accepted []string
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			results[rcpt] = rcptResult{status: failStatus(err), errText: replyText(err)}
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		if err := c.Quit(); err != nil {
			logger.Debug("delivery: QUIT failed", "error", err)
		}
		return results
	}

	wc, err := c.Data()
	if err != nil {
		for _, rcpt := range accepted {
			results[rcpt] = rcptResult{status: failStatus(err), errText: replyText(err)}
		}
		return results
	}
	if _, err = wc.Write(data); err != nil {
		_ = wc.Close()
		for _, rcpt := range accepted {
			results[rcpt] = rcptResult{status: db.RecipientStatusDeferred, errText: err.Error()}
		}
		return results
	}
	if err = wc.Close(); err != nil {
		for _, rcpt := range accepted {
			results[rcpt] = rcptResult{status: failStatus(err), errText: replyText(err)}
		}
		return results
	}

	for _, rcpt := range accepted {
		results[rcpt] = rcptResult{status: db.RecipientStatusDelivered}
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted; a failed QUIT is cosmetic.
		logger.Debug("delivery: QUIT failed", "error", err)
	}
	return results
}

func failStatus(err error) string {
	if IsPermanentError(err) {
		return db.RecipientStatusBounced
	}
	return db.RecipientStatusDeferred
}
