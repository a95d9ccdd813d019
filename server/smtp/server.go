// Package smtp implements the inbound ESMTP listeners: unauthenticated
// relay, mandatory-auth submission and implicit-TLS submission. Each
// listener runs its own accept loop; sessions share the policy engine,
// the auth gate and the queue manager.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rishavghosh108/mrx-mta/auth"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
	"github.com/rishavghosh108/mrx-mta/policy"
	"github.com/rishavghosh108/mrx-mta/queue"
)

// Server is one SMTP listener.
type Server struct {
	name     string // "relay", "submission", "submission_tls"
	addr     string
	hostname string

	appCtx context.Context
	cancel context.CancelFunc

	tlsConfig   *tls.Config
	implicitTLS bool
	requireAuth bool // sessions must authenticate before MAIL FROM

	policy  *policy.Engine
	gate    *auth.Gate
	queue   *queue.Manager
	notify  func()
	limiter *policy.ConnectionLimiter

	maxMessageSize int64
	maxRecipients  int
	commandTimeout time.Duration
	authRequireTLS bool

	totalConnections atomic.Int64
	sessionsWg       sync.WaitGroup
}

// Options carries the listener-independent collaborators and limits.
type Options struct {
	Hostname       string
	TLSCertFile    string
	TLSKeyFile     string
	ImplicitTLS    bool
	RequireAuth    bool
	AuthRequireTLS bool

	Policy  *policy.Engine
	Gate    *auth.Gate
	Queue   *queue.Manager
	Notify  func() // wakes the delivery engine after an enqueue
	Limiter *policy.ConnectionLimiter

	MaxMessageSize int64
	MaxRecipients  int
	CommandTimeout time.Duration
}

func New(appCtx context.Context, name, addr string, opts Options) (*Server, error) {
	serverCtx, serverCancel := context.WithCancel(appCtx)

	s := &Server{
		name:           name,
		addr:           addr,
		hostname:       opts.Hostname,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		implicitTLS:    opts.ImplicitTLS,
		requireAuth:    opts.RequireAuth,
		authRequireTLS: opts.AuthRequireTLS,
		policy:         opts.Policy,
		gate:           opts.Gate,
		queue:          opts.Queue,
		notify:         opts.Notify,
		limiter:        opts.Limiter,
		maxMessageSize: opts.MaxMessageSize,
		maxRecipients:  opts.MaxRecipients,
		commandTimeout: opts.CommandTimeout,
	}

	if opts.TLSCertFile != "" && opts.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCertFile, opts.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate for %s: %w", name, err)
		}
		s.tlsConfig = &tls.Config{
			Certificates:  []tls.Certificate{cert},
			MinVersion:    tls.VersionTLS12,
			ServerName:    opts.Hostname,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	if s.implicitTLS && s.tlsConfig == nil {
		serverCancel()
		return nil, fmt.Errorf("listener %s requires TLS but no certificate is configured", name)
	}

	return s, nil
}

// Start runs the accept loop until the server context is cancelled. Fatal
// listener errors are sent to errChan.
func (s *Server) Start(errChan chan error) {
	var listener net.Listener
	tcpListener, err := net.Listen("tcp", s.addr)
	if err != nil {
		errChan <- fmt.Errorf("smtp [%s] failed to create listener: %w", s.name, err)
		return
	}

	if s.implicitTLS {
		listener = tls.NewListener(tcpListener, s.tlsConfig)
		logger.Info("smtp: listening with implicit TLS", "listener", s.name, "addr", s.addr)
	} else {
		listener = tcpListener
		if s.tlsConfig != nil {
			logger.Info("smtp: listening with STARTTLS available", "listener", s.name, "addr", s.addr)
		} else {
			logger.Info("smtp: listening", "listener", s.name, "addr", s.addr)
		}
	}
	defer listener.Close()

	go func() {
		<-s.appCtx.Done()
		logger.Info("smtp: stopping listener", "listener", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("smtp: listener stopped", "listener", s.name)
				return
			default:
				errChan <- fmt.Errorf("smtp [%s] accept failed: %w", s.name, err)
				return
			}
		}

		remoteIP := ipFrom(conn.RemoteAddr())

		releaseConn, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues(s.name, "limit").Inc()
			logger.Info("smtp: connection rejected", "listener", s.name, "ip", remoteIP, "error", err)
			writeRejection(conn, "421 4.7.0 Too many connections, try again later")
			conn.Close()
			continue
		}

		if err := s.policy.CheckConnect(remoteIP); err != nil {
			releaseConn()
			reason := "policy"
			line := "421 4.3.2 Service not available, try again later"
			if errors.Is(err, consts.ErrPolicyBlacklist) {
				reason = "blacklist"
				line = "554 5.7.1 Access denied"
			}
			metrics.ConnectionsRejected.WithLabelValues(s.name, reason).Inc()
			logger.Info("smtp: connection rejected", "listener", s.name, "ip", remoteIP, "reason", reason)
			writeRejection(conn, line)
			conn.Close()
			continue
		}

		total := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues(s.name).Inc()
		metrics.ConnectionsCurrent.WithLabelValues(s.name).Inc()
		logger.Debug("smtp: new connection", "listener", s.name, "ip", remoteIP, "total", total)

		sess := s.newSession(conn, remoteIP, releaseConn)

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			sess.serve()
		}()
	}
}

// Close stops the accept loop and waits for active sessions to drain.
func (s *Server) Close() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("smtp: all sessions drained", "listener", s.name)
	case <-time.After(30 * time.Second):
		logger.Warn("smtp: session drain timeout, forcing shutdown", "listener", s.name)
	}
}

// TotalConnections returns the lifetime connection count for this listener.
func (s *Server) TotalConnections() int64 {
	return s.totalConnections.Load()
}

func ipFrom(addr net.Addr) string {
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// writeRejection sends a one-line reply to a connection being refused
// before a session is established.
func writeRejection(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "%s\r\n", line)
}
