// Package delivery moves queued messages out to the world. A fixed pool of
// workers leases due messages, groups recipients by destination domain,
// resolves MX targets and speaks SMTP to them, recording per-recipient
// outcomes back into the queue. Failed recipients are retried on the
// queue's backoff schedule until they deliver, bounce, or age out.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/circuitbreaker"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
	"github.com/rishavghosh108/mrx-mta/queue"
)

const expiryBatchSize = 100

// messageQueue is the slice of queue.Manager the delivery engine drives.
type messageQueue interface {
	Acquire(ctx context.Context, owner string) (*db.QueueMessage, error)
	Payload(ctx context.Context, msg *db.QueueMessage) ([]byte, error)
	RecordRecipient(ctx context.Context, messageID, recipient, status, lastError string) error
	Defer(ctx context.Context, msg *db.QueueMessage) error
	Complete(ctx context.Context, msg *db.QueueMessage, state string) error
	Release(ctx context.Context, msg *db.QueueMessage) error
	PromoteExpired(ctx context.Context, limit int) (int64, error)
	Enqueue(ctx context.Context, env *queue.Envelope, data []byte) (string, error)
	MaxAge() time.Duration
}

// Engine is the outbound delivery worker pool.
type Engine struct {
	queue    messageQueue
	hostname string
	heloName string

	workers        int
	perDomainLimit int
	tlsSkipVerify  bool
	smarthost      config.SmarthostConfig
	wakeInterval   time.Duration
	connectTimeout time.Duration
	commandTimeout time.Duration

	breakerThreshold   int
	breakerTimeout     time.Duration
	breakerMaxRequests int

	semMu      sync.Mutex
	domainSems map[string]chan struct{}

	breakerMu sync.Mutex
	breakers  map[string]*circuitbreaker.CircuitBreaker

	notifyCh chan struct{}
	wg       sync.WaitGroup
}

func NewEngine(queueMgr *queue.Manager, hostname string, deliveryCfg *config.DeliveryConfig, queueCfg *config.QueueConfig) (*Engine, error) {
	wakeInterval, err := queueCfg.GetWakeInterval()
	if err != nil {
		return nil, err
	}
	breakerTimeout, err := deliveryCfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, err
	}
	connectTimeout, err := deliveryCfg.GetConnectTimeout()
	if err != nil {
		return nil, err
	}
	commandTimeout, err := deliveryCfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	heloName := deliveryCfg.HELOHostname
	if heloName == "" {
		heloName = hostname
	}

	return &Engine{
		queue:              queueMgr,
		hostname:           hostname,
		heloName:           heloName,
		workers:            deliveryCfg.GetWorkers(),
		perDomainLimit:     deliveryCfg.GetPerDomainLimit(),
		tlsSkipVerify:      deliveryCfg.DisableTLSVerify,
		smarthost:          deliveryCfg.Smarthost,
		wakeInterval:       wakeInterval,
		connectTimeout:     connectTimeout,
		commandTimeout:     commandTimeout,
		breakerThreshold:   deliveryCfg.GetCircuitBreakerThreshold(),
		breakerTimeout:     breakerTimeout,
		breakerMaxRequests: deliveryCfg.GetCircuitBreakerMaxRequests(),
		domainSems:         make(map[string]chan struct{}),
		breakers:           make(map[string]*circuitbreaker.CircuitBreaker),
		notifyCh:           make(chan struct{}, 1),
	}, nil
}

// Start launches the worker pool and the expiry loop. Workers run until
// the context is cancelled; Wait blocks until they drain.
func (e *Engine) Start(ctx context.Context) {
	if e.smarthost.IsConfigured() {
		logger.Info("delivery: smarthost mode", "host", e.smarthost.Host)
	}
	logger.Info("delivery: starting workers", "count", e.workers, "per_domain_limit", e.perDomainLimit)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx, i)
	}

	e.wg.Add(1)
	go e.expiryLoop(ctx)
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Notify kicks an idle worker after an enqueue so fresh mail does not sit
// until the next poll tick.
func (e *Engine) Notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

func (e *Engine) workerLoop(ctx context.Context, id int) {
	defer e.wg.Done()

	owner := fmt.Sprintf("%s/worker-%d", e.hostname, id)
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := e.queue.Acquire(ctx, owner)
		if err != nil {
			if !errors.Is(err, consts.ErrQueueEmpty) && ctx.Err() == nil {
				logger.Error("delivery: acquire failed", "worker", owner, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-e.notifyCh:
			case <-time.After(e.wakeInterval):
			}
			continue
		}

		metrics.DeliveryWorkersBusy.Inc()
		e.process(ctx, msg)
		metrics.DeliveryWorkersBusy.Dec()
	}
}

func (e *Engine) expiryLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.queue.PromoteExpired(ctx, expiryBatchSize)
			if err != nil {
				logger.Warn("delivery: expiry promotion failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("delivery: promoted expired messages for bouncing", "count", n)
				e.Notify()
			}
		}
	}
}

// process runs one delivery pass over a leased message.
func (e *Engine) process(ctx context.Context, msg *db.QueueMessage) {
	log := logger.With("id", msg.ID, "sender", msg.Sender, "attempt", msg.Attempts+1)

	if time.Since(msg.ReceivedAt) > e.queue.MaxAge() {
		e.expire(ctx, msg)
		return
	}

	data, err := e.queue.Payload(ctx, msg)
	if err != nil {
		if errors.Is(err, consts.ErrPayloadCorrupt) {
			// Already marked corrupt; nothing more to do with it.
			return
		}
		log.Error("delivery: payload fetch failed", "error", err)
		if err := e.queue.Defer(ctx, msg); err != nil {
			log.Error("delivery: defer failed", "error", err)
		}
		return
	}

	// Group the recipients still owed a delivery by destination domain.
	groups := make(map[string][]string)
	for _, rcpt := range msg.Recipients {
		if rcpt.Status == db.RecipientStatusPending || rcpt.Status == db.RecipientStatusDeferred {
			groups[rcpt.Domain] = append(groups[rcpt.Domain], rcpt.Address)
		}
	}
	if len(groups) == 0 {
		e.finish(ctx, msg, data, nil)
		return
	}

	results := make(map[string]rcptResult)
	for domain, rcpts := range groups {
		for rcpt, res := range e.deliverDomainLimited(ctx, domain, msg.Sender, rcpts, data) {
			results[rcpt] = res
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() != nil {
		// Shutting down mid-message: drop the lease without recording a
		// partial verdict for recipients not yet attempted.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for rcpt, res := range results {
			if err := e.queue.RecordRecipient(releaseCtx, msg.ID, rcpt, res.status, res.errText); err != nil {
				log.Error("delivery: recipient update failed", "recipient", rcpt, "error", err)
			}
		}
		if err := e.queue.Release(releaseCtx, msg); err != nil {
			log.Error("delivery: lease release failed", "error", err)
		}
		return
	}

	for rcpt, res := range results {
		if err := e.queue.RecordRecipient(ctx, msg.ID, rcpt, res.status, res.errText); err != nil {
			log.Error("delivery: recipient update failed", "recipient", rcpt, "error", err)
		}
	}

	// Fold this round's results into the in-memory view.
	for i := range msg.Recipients {
		if res, ok := results[msg.Recipients[i].Address]; ok {
			msg.Recipients[i].Status = res.status
			msg.Recipients[i].LastError = res.errText
		}
	}

	e.finish(ctx, msg, data, log)
}

// deliverDomainLimited applies the per-domain concurrency cap and circuit
// breaker around deliverDomain.
func (e *Engine) deliverDomainLimited(ctx context.Context, domain, sender string, rcpts []string, data []byte) map[string]rcptResult {
	sem := e.domainSem(domain)
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return allResults(rcpts, db.RecipientStatusDeferred, "shutdown before delivery")
	}

	breaker := e.domainBreaker(domain)
	var results map[string]rcptResult
	err := breaker.Execute(func() error {
		var attemptErr error
		results, attemptErr = e.deliverDomain(ctx, domain, sender, rcpts, data)
		return attemptErr
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		logger.Warn("delivery: circuit open, deferring domain", "domain", domain)
		return allResults(rcpts, db.RecipientStatusDeferred,
			fmt.Sprintf("delivery to %s suspended after repeated failures", domain))
	}
	return results
}

func (e *Engine) domainSem(domain string) chan struct{} {
	e.semMu.Lock()
	defer e.semMu.Unlock()

	sem, ok := e.domainSems[domain]
	if !ok {
		sem = make(chan struct{}, e.perDomainLimit)
		e.domainSems[domain] = sem
	}
	return sem
}

func (e *Engine) domainBreaker(domain string) *circuitbreaker.CircuitBreaker {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()

	cb, ok := e.breakers[domain]
	if !ok {
		cb = circuitbreaker.New(circuitbreaker.Settings{
			Name:        domain,
			MaxRequests: uint32(e.breakerMaxRequests),
			Timeout:     e.breakerTimeout,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(e.breakerThreshold)
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("delivery: circuit state change", "domain", name, "from", from.String(), "to", to.String())
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
		e.breakers[domain] = cb
	}
	return cb
}

// finish decides the message's fate after a delivery round: defer when any
// recipient is still retryable, otherwise complete and bounce the failures.
func (e *Engine) finish(ctx context.Context, msg *db.QueueMessage, data []byte, log *slog.Logger) {
	if log == nil {
		log = logger.With("id", msg.ID)
	}

	anyRetryable := false
	anyBounced := false
	allDelivered := true
	var failed []db.QueueRecipient
	for _, rcpt := range msg.Recipients {
		switch rcpt.Status {
		case db.RecipientStatusPending, db.RecipientStatusDeferred:
			anyRetryable = true
			allDelivered = false
		case db.RecipientStatusBounced:
			anyBounced = true
			allDelivered = false
			failed = append(failed, rcpt)
		}
	}

	if anyRetryable {
		if err := e.queue.Defer(ctx, msg); err != nil {
			log.Error("delivery: defer failed", "error", err)
		}
		return
	}

	if anyBounced {
		e.maybeBounce(ctx, msg, failed, data)
	}

	state := db.MessageStateDelivered
	if !allDelivered {
		state = db.MessageStateBounced
	}
	if err := e.queue.Complete(ctx, msg, state); err != nil {
		log.Error("delivery: complete failed", "error", err)
	}
}

// expire bounces every outstanding recipient of a message that has been
// queued longer than the maximum age.
func (e *Engine) expire(ctx context.Context, msg *db.QueueMessage) {
	age := time.Since(msg.ReceivedAt).Round(time.Hour)
	reason := fmt.Sprintf("message expired after %s in queue", age)
	logger.Warn("delivery: message expired", "id", msg.ID, "age", age)

	for i := range msg.Recipients {
		rcpt := &msg.Recipients[i]
		if rcpt.Status != db.RecipientStatusPending && rcpt.Status != db.RecipientStatusDeferred {
			continue
		}
		if err := e.queue.RecordRecipient(ctx, msg.ID, rcpt.Address, db.RecipientStatusBounced, reason); err != nil {
			logger.Error("delivery: recipient update failed", "id", msg.ID, "recipient", rcpt.Address, "error", err)
		}
		rcpt.Status = db.RecipientStatusBounced
		rcpt.LastError = reason
	}

	// Best effort: the payload enriches the bounce but is not required.
	data, err := e.queue.Payload(ctx, msg)
	if err != nil {
		data = nil
	}

	e.finish(ctx, msg, data, nil)
}
