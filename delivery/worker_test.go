package delivery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/pkg/circuitbreaker"
	"github.com/rishavghosh108/mrx-mta/queue"
)

func TestNewEngineDefaults(t *testing.T) {
	e, err := NewEngine(nil, "mx.example.com", &config.DeliveryConfig{}, &config.QueueConfig{})
	require.NoError(t, err)

	assert.Equal(t, 8, e.workers)
	assert.Equal(t, 5, e.perDomainLimit)
	assert.Equal(t, 30*time.Second, e.wakeInterval)
	assert.Equal(t, 5, e.breakerThreshold)
	assert.Equal(t, 30*time.Second, e.connectTimeout)
	assert.Equal(t, 2*time.Minute, e.commandTimeout)
	assert.Equal(t, "mx.example.com", e.heloName, "HELO name falls back to the hostname")

	e, err = NewEngine(nil, "mx.example.com",
		&config.DeliveryConfig{Workers: 2, HELOHostname: "out.example.com",
			ConnectTimeout: "10s", CommandTimeout: "1m"}, &config.QueueConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, e.workers)
	assert.Equal(t, "out.example.com", e.heloName)
	assert.Equal(t, 10*time.Second, e.connectTimeout)
	assert.Equal(t, time.Minute, e.commandTimeout)
}

func TestNewEngineRejectsBadDurations(t *testing.T) {
	_, err := NewEngine(nil, "mx.example.com", &config.DeliveryConfig{}, &config.QueueConfig{WakeInterval: "often"})
	assert.Error(t, err)

	_, err = NewEngine(nil, "mx.example.com",
		&config.DeliveryConfig{CircuitBreakerTimeout: "later"}, &config.QueueConfig{})
	assert.Error(t, err)

	_, err = NewEngine(nil, "mx.example.com",
		&config.DeliveryConfig{ConnectTimeout: "soon"}, &config.QueueConfig{})
	assert.Error(t, err)

	_, err = NewEngine(nil, "mx.example.com",
		&config.DeliveryConfig{CommandTimeout: "eventually"}, &config.QueueConfig{})
	assert.Error(t, err)
}

func TestNewClientAppliesCommandTimeout(t *testing.T) {
	e, err := NewEngine(nil, "mx.example.com",
		&config.DeliveryConfig{CommandTimeout: "45s"}, &config.QueueConfig{})
	require.NoError(t, err)

	client, server := net.Pipe()
	defer server.Close()

	c := e.newClient(client)
	defer c.Close()
	assert.Equal(t, 45*time.Second, c.CommandTimeout)
}

func TestDomainSem(t *testing.T) {
	e, err := NewEngine(nil, "mx.example.com", &config.DeliveryConfig{PerDomainLimit: 3}, &config.QueueConfig{})
	require.NoError(t, err)

	sem := e.domainSem("example.com")
	assert.Equal(t, 3, cap(sem))

	// The same domain always maps to the same semaphore.
	assert.Equal(t, sem, e.domainSem("example.com"))

	// Different domains get independent semaphores.
	other := e.domainSem("example.org")
	sem <- struct{}{}
	assert.Len(t, sem, 1)
	assert.Len(t, other, 0)
	<-sem
}

func TestDomainBreakerTripsPerDomain(t *testing.T) {
	e, err := NewEngine(nil, "mx.example.com",
		&config.DeliveryConfig{CircuitBreakerThreshold: 2}, &config.QueueConfig{})
	require.NoError(t, err)

	cb := e.domainBreaker("dead.example.com")
	require.Same(t, cb, e.domainBreaker("dead.example.com"))

	failure := errors.New("connection refused")
	for i := 0; i < 2; i++ {
		cb.Execute(func() error { return failure })
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	// Only the failing domain's circuit opens.
	assert.Equal(t, circuitbreaker.StateClosed, e.domainBreaker("healthy.example.com").State())
}

func TestNotifyNeverBlocks(t *testing.T) {
	e, err := NewEngine(nil, "mx.example.com", &config.DeliveryConfig{}, &config.QueueConfig{})
	require.NoError(t, err)

	// With no worker draining the channel, repeated notifies must not block.
	for i := 0; i < 10; i++ {
		e.Notify()
	}
	assert.Len(t, e.notifyCh, 1)
}

func TestAllResults(t *testing.T) {
	results := allResults([]string{"a@example.com", "b@example.com"}, db.RecipientStatusDeferred, "shutdown")
	require.Len(t, results, 2)
	for _, rcpt := range []string{"a@example.com", "b@example.com"} {
		res, ok := results[rcpt]
		require.True(t, ok, rcpt)
		assert.Equal(t, db.RecipientStatusDeferred, res.status)
		assert.Equal(t, "shutdown", res.errText)
	}
}

func TestFailStatus(t *testing.T) {
	assert.Equal(t, db.RecipientStatusBounced,
		failStatus(&RelayError{Err: errors.New("no such user"), Permanent: true}))
	assert.Equal(t, db.RecipientStatusDeferred,
		failStatus(&RelayError{Err: errors.New("greylisted"), Permanent: false}))
	assert.Equal(t, db.RecipientStatusDeferred, failStatus(errors.New("dial tcp: timeout")))
}

// fakeQueue records what the engine does with a message without a real
// database behind it.
type fakeQueue struct {
	maxAge  time.Duration
	payload []byte

	recorded  []recordedRcpt
	deferred  int
	released  int
	completed []string
	enqueued  []*queue.Envelope
}

type recordedRcpt struct {
	recipient string
	status    string
	errText   string
}

func (f *fakeQueue) Acquire(ctx context.Context, owner string) (*db.QueueMessage, error) {
	return nil, consts.ErrQueueEmpty
}

func (f *fakeQueue) Payload(ctx context.Context, msg *db.QueueMessage) ([]byte, error) {
	return f.payload, nil
}

func (f *fakeQueue) RecordRecipient(ctx context.Context, messageID, recipient, status, lastError string) error {
	f.recorded = append(f.recorded, recordedRcpt{recipient: recipient, status: status, errText: lastError})
	return nil
}

func (f *fakeQueue) Defer(ctx context.Context, msg *db.QueueMessage) error {
	f.deferred++
	return nil
}

func (f *fakeQueue) Complete(ctx context.Context, msg *db.QueueMessage, state string) error {
	f.completed = append(f.completed, state)
	return nil
}

func (f *fakeQueue) Release(ctx context.Context, msg *db.QueueMessage) error {
	f.released++
	return nil
}

func (f *fakeQueue) PromoteExpired(ctx context.Context, limit int) (int64, error) {
	return 0, nil
}

func (f *fakeQueue) Enqueue(ctx context.Context, env *queue.Envelope, data []byte) (string, error) {
	f.enqueued = append(f.enqueued, env)
	return "bounce-1", nil
}

func (f *fakeQueue) MaxAge() time.Duration { return f.maxAge }

func testEngineWithQueue(t *testing.T, fq *fakeQueue) *Engine {
	t.Helper()
	e, err := NewEngine(nil, "mx.example.com", &config.DeliveryConfig{}, &config.QueueConfig{})
	require.NoError(t, err)
	e.queue = fq
	return e
}

func TestProcessExpiresOverAgedMessage(t *testing.T) {
	fq := &fakeQueue{
		maxAge:  7 * 24 * time.Hour,
		payload: []byte("Subject: hello\r\n\r\nbody\r\n"),
	}
	e := testEngineWithQueue(t, fq)

	msg := &db.QueueMessage{
		ID:         "old-1",
		Sender:     "sender@example.org",
		ReceivedAt: time.Now().Add(-8 * 24 * time.Hour),
		Recipients: []db.QueueRecipient{
			{Address: "pending@example.com", Status: db.RecipientStatusPending},
			{Address: "done@example.com", Status: db.RecipientStatusDelivered},
			{Address: "retry@example.com", Status: db.RecipientStatusDeferred},
		},
	}

	e.process(context.Background(), msg)

	// Both outstanding recipients bounce; the delivered one is untouched.
	require.Len(t, fq.recorded, 2)
	for _, rec := range fq.recorded {
		assert.Equal(t, db.RecipientStatusBounced, rec.status)
		assert.Contains(t, rec.errText, "expired")
		assert.NotEqual(t, "done@example.com", rec.recipient)
	}

	require.Equal(t, []string{db.MessageStateBounced}, fq.completed)
	assert.Zero(t, fq.deferred)

	// A non-delivery report goes back to the sender on the null path.
	require.Len(t, fq.enqueued, 1)
	env := fq.enqueued[0]
	assert.True(t, env.IsBounce)
	assert.Empty(t, env.Sender)
	assert.Equal(t, []string{"sender@example.org"}, env.Recipients)
}

func TestFinishDefersWhileRetryable(t *testing.T) {
	fq := &fakeQueue{maxAge: 7 * 24 * time.Hour}
	e := testEngineWithQueue(t, fq)

	msg := &db.QueueMessage{
		ID:     "retry-1",
		Sender: "sender@example.org",
		Recipients: []db.QueueRecipient{
			{Address: "done@example.com", Status: db.RecipientStatusDelivered},
			{Address: "retry@example.com", Status: db.RecipientStatusDeferred},
		},
	}

	e.finish(context.Background(), msg, nil, nil)

	assert.Equal(t, 1, fq.deferred)
	assert.Empty(t, fq.completed)
	assert.Empty(t, fq.enqueued)
}

func TestFinishCompletesDeliveredMessage(t *testing.T) {
	fq := &fakeQueue{maxAge: 7 * 24 * time.Hour}
	e := testEngineWithQueue(t, fq)

	msg := &db.QueueMessage{
		ID:     "done-1",
		Sender: "sender@example.org",
		Recipients: []db.QueueRecipient{
			{Address: "a@example.com", Status: db.RecipientStatusDelivered},
			{Address: "b@example.com", Status: db.RecipientStatusDelivered},
		},
	}

	e.finish(context.Background(), msg, nil, nil)

	assert.Equal(t, []string{db.MessageStateDelivered}, fq.completed)
	assert.Zero(t, fq.deferred)
	assert.Empty(t, fq.enqueued)
}

func TestFinishSuppressesBounceOfBounce(t *testing.T) {
	fq := &fakeQueue{maxAge: 7 * 24 * time.Hour}
	e := testEngineWithQueue(t, fq)

	msg := &db.QueueMessage{
		ID:       "dsn-1",
		Sender:   "",
		IsBounce: true,
		Recipients: []db.QueueRecipient{
			{Address: "gone@example.com", Status: db.RecipientStatusBounced},
		},
	}

	e.finish(context.Background(), msg, nil, nil)

	assert.Equal(t, []string{db.MessageStateBounced}, fq.completed)
	assert.Empty(t, fq.enqueued, "a bounce never generates another bounce")
}
