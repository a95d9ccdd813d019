// Package policy is the gatekeeper for inbound SMTP traffic. Every check
// fails closed: when the engine cannot evaluate a rule (database down,
// cache stale beyond tolerance) the command is deferred with a temporary
// error rather than waved through.
//
// Evaluation order for a sender: whitelist short-circuit, blacklist,
// rate buckets. Greylisting applies per recipient triplet. Connection caps
// are enforced at accept time by ConnectionLimiter.
package policy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rishavghosh108/mrx-mta/config"
	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/db"
	"github.com/rishavghosh108/mrx-mta/helpers"
	"github.com/rishavghosh108/mrx-mta/logger"
	"github.com/rishavghosh108/mrx-mta/pkg/metrics"
)

const listRefreshInterval = time.Minute

// addrList is an in-memory snapshot of one blacklist or whitelist.
// IP entries match exactly; domain entries match the domain and any
// subdomain of it.
type addrList struct {
	ips     map[string]struct{}
	domains []string
}

func newAddrList(entries []db.ListEntry) *addrList {
	l := &addrList{ips: make(map[string]struct{})}
	for _, e := range entries {
		switch e.Kind {
		case db.ListKindIP:
			l.ips[e.Value] = struct{}{}
		case db.ListKindDomain:
			l.domains = append(l.domains, strings.ToLower(e.Value))
		}
	}
	return l
}

func (l *addrList) matchIP(ip string) bool {
	_, ok := l.ips[ip]
	return ok
}

func (l *addrList) matchDomain(domain string) bool {
	domain = strings.ToLower(domain)
	for _, d := range l.domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

// Engine evaluates policy for inbound mail.
type Engine struct {
	database *db.Database
	cfg      *config.PolicyConfig

	ipBuckets     *bucketSet
	senderBuckets *bucketSet

	mu        sync.RWMutex
	blacklist *addrList
	whitelist *addrList
	listsOK   bool // false until the first successful refresh

	greylistDelay time.Duration
	greylistTTL   time.Duration
	syncInterval  time.Duration

	relayDomains  map[string]struct{}
	relayNetworks []*net.IPNet
}

func NewEngine(database *db.Database, cfg *config.PolicyConfig) (*Engine, error) {
	delay, err := cfg.Greylist.GetDelay()
	if err != nil {
		return nil, err
	}
	ttl, err := cfg.Greylist.GetRecordTTL()
	if err != nil {
		return nil, err
	}
	syncInterval, err := cfg.GetSyncInterval()
	if err != nil {
		return nil, err
	}

	relayDomains := make(map[string]struct{}, len(cfg.RelayDomains))
	for _, d := range cfg.RelayDomains {
		relayDomains[strings.ToLower(d)] = struct{}{}
	}
	var relayNetworks []*net.IPNet
	for _, cidr := range cfg.RelayNetworks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid relay network %q: %w", cidr, err)
		}
		relayNetworks = append(relayNetworks, ipnet)
	}

	return &Engine{
		database:      database,
		cfg:           cfg,
		ipBuckets:     newBucketSet(),
		senderBuckets: newBucketSet(),
		blacklist:     newAddrList(nil),
		whitelist:     newAddrList(nil),
		greylistDelay: delay,
		greylistTTL:   ttl,
		syncInterval:  syncInterval,
		relayDomains:  relayDomains,
		relayNetworks: relayNetworks,
	}, nil
}

// Start launches the list refresh, bucket sync and greylist cleanup loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.refreshLists(ctx); err != nil {
		return fmt.Errorf("initial policy list load failed: %w", err)
	}

	go e.refreshLoop(ctx)
	go e.syncLoop(ctx)
	if e.cfg.Greylist.Enabled {
		go e.greylistCleanupLoop(ctx)
	}
	return nil
}

func (e *Engine) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(listRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refreshLists(ctx); err != nil {
				logger.Warn("policy: list refresh failed", "error", err)
			}
		}
	}
}

func (e *Engine) refreshLists(ctx context.Context) error {
	black, err := e.database.LoadListEntries(ctx, db.ListBlacklist)
	if err != nil {
		return err
	}
	white, err := e.database.LoadListEntries(ctx, db.ListWhitelist)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.blacklist = newAddrList(black)
	e.whitelist = newAddrList(white)
	e.listsOK = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so a clean shutdown loses nothing.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.flushBuckets(flushCtx)
			cancel()
			return
		case <-ticker.C:
			e.flushBuckets(ctx)
			now := time.Now()
			e.ipBuckets.evictIdle(now, 10*e.syncInterval)
			e.senderBuckets.evictIdle(now, 10*e.syncInterval)
		}
	}
}

func (e *Engine) flushBuckets(ctx context.Context) {
	now := time.Now()
	var batch []db.RateBucket
	for key, tokens := range e.ipBuckets.drainDirty(now) {
		batch = append(batch, db.RateBucket{Key: key, Tokens: tokens, UpdatedAt: now})
	}
	for key, tokens := range e.senderBuckets.drainDirty(now) {
		batch = append(batch, db.RateBucket{Key: key, Tokens: tokens, UpdatedAt: now})
	}
	if err := e.database.SyncRateBuckets(ctx, batch); err != nil {
		logger.Warn("policy: rate bucket sync failed", "error", err, "buckets", len(batch))
	}
}

func (e *Engine) greylistCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.database.CleanupGreylist(ctx, e.greylistTTL); err != nil {
				logger.Warn("policy: greylist cleanup failed", "error", err)
			}
		}
	}
}

// IsWhitelisted reports whether the client IP or the sender's domain is on
// the whitelist. Whitelisted traffic short-circuits every other check.
func (e *Engine) IsWhitelisted(ip, sender string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.whitelist.matchIP(ip) {
		return true
	}
	if sender != "" {
		if domain := helpers.Domain(sender); domain != "" && e.whitelist.matchDomain(domain) {
			return true
		}
	}
	return false
}

// CheckConnect evaluates connection-time policy for a client IP. It does
// not count connections; that is ConnectionLimiter's job.
func (e *Engine) CheckConnect(ip string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.listsOK {
		return consts.ErrPolicyReject
	}
	if e.whitelist.matchIP(ip) {
		return nil
	}
	if e.blacklist.matchIP(ip) {
		metrics.PolicyRejectionsTotal.WithLabelValues("blacklist").Inc()
		return consts.ErrPolicyBlacklist
	}
	return nil
}

// rateIdentity picks the key for the sender-side bucket. An authenticated
// session is limited per account rather than per MAIL FROM address, so a
// client rotating sender addresses cannot mint itself fresh buckets. The
// same key selects the per-identity rate override.
func rateIdentity(sender, username string) (key, identity, metricLabel string) {
	if username != "" {
		return "user:" + username, username, "rate_user"
	}
	if sender == "" {
		return "", "", ""
	}
	return "sender:" + sender, sender, "rate_sender"
}

// CheckSender evaluates MAIL FROM policy: whitelist, blacklist, then the
// per-IP bucket and the per-identity bucket. username is the authenticated
// account, empty for unauthenticated sessions.
func (e *Engine) CheckSender(ctx context.Context, ip, sender, username string) error {
	if e.IsWhitelisted(ip, sender) {
		return nil
	}

	e.mu.RLock()
	listsOK := e.listsOK
	blacklisted := e.blacklist.matchIP(ip)
	if !blacklisted && sender != "" {
		if domain := helpers.Domain(sender); domain != "" {
			blacklisted = e.blacklist.matchDomain(domain)
		}
	}
	e.mu.RUnlock()

	if !listsOK {
		return consts.ErrPolicyReject
	}
	if blacklisted {
		metrics.PolicyRejectionsTotal.WithLabelValues("blacklist").Inc()
		return consts.ErrPolicyBlacklist
	}

	now := time.Now()

	ipKey := "ip:" + ip
	if !e.ipBuckets.take(ipKey, e.cfg.GetIPRatePerMinute()/60, e.cfg.GetIPBurst(), now, e.seedFrom(ctx, ipKey)) {
		metrics.PolicyRejectionsTotal.WithLabelValues("rate_ip").Inc()
		return consts.ErrPolicyRateLimit
	}

	if key, identity, label := rateIdentity(sender, username); key != "" {
		rate := e.cfg.GetSenderRatePerMinute() / 60
		burst := e.cfg.GetSenderBurst()
		if ovRate, ovBurst, ok, err := e.database.GetRateOverride(ctx, identity); err != nil {
			logger.Warn("policy: rate override lookup failed", "identity", identity, "error", err)
			return consts.ErrPolicyReject
		} else if ok {
			rate = ovRate / 60
			burst = ovBurst
		}

		if !e.senderBuckets.take(key, rate, burst, now, e.seedFrom(ctx, key)) {
			metrics.PolicyRejectionsTotal.WithLabelValues(label).Inc()
			return consts.ErrPolicyRateLimit
		}
	}

	return nil
}

// seedFrom loads a bucket's persisted state on first sight so a restart
// does not hand every client a full bucket.
func (e *Engine) seedFrom(ctx context.Context, key string) func() (float64, time.Time, bool) {
	return func() (float64, time.Time, bool) {
		b, found, err := e.database.LoadRateBucket(ctx, key)
		if err != nil {
			logger.Debug("policy: bucket load failed", "key", key, "error", err)
			return 0, time.Time{}, false
		}
		if !found {
			return 0, time.Time{}, false
		}
		return b.Tokens, b.UpdatedAt, true
	}
}

// CheckRelay decides whether a session may hand us mail for a recipient
// domain. Authenticated sessions relay anywhere; unauthenticated sessions
// are limited to the configured relay domains unless the client sits in a
// trusted relay network. This is the open relay guard.
func (e *Engine) CheckRelay(ip, recipientDomain string, authenticated bool) error {
	if authenticated {
		return nil
	}

	if parsed := net.ParseIP(ip); parsed != nil {
		for _, n := range e.relayNetworks {
			if n.Contains(parsed) {
				return nil
			}
		}
	}

	if _, ok := e.relayDomains[strings.ToLower(recipientDomain)]; ok {
		return nil
	}

	metrics.PolicyRejectionsTotal.WithLabelValues("relay").Inc()
	return consts.ErrRelayDenied
}

// CheckRecipient evaluates RCPT TO policy, currently greylisting alone.
// Authenticated sessions and whitelisted sources are never greylisted.
func (e *Engine) CheckRecipient(ctx context.Context, ip, sender, recipient string, authenticated bool) error {
	if !e.cfg.Greylist.Enabled || authenticated || e.IsWhitelisted(ip, sender) {
		return nil
	}

	outcome, err := e.database.CheckGreylist(ctx, sender, recipient, ip, e.greylistDelay)
	if err != nil {
		logger.Warn("policy: greylist check failed", "error", err)
		return consts.ErrPolicyReject
	}

	switch outcome {
	case GreylistNew:
		metrics.GreylistEventsTotal.WithLabelValues("deferred").Inc()
		return consts.ErrPolicyGreylisted
	case GreylistDeferred:
		metrics.GreylistEventsTotal.WithLabelValues("deferred").Inc()
		return consts.ErrPolicyGreylisted
	default:
		metrics.GreylistEventsTotal.WithLabelValues("passed").Inc()
		return nil
	}
}

// Greylist outcomes re-exported for callers that handle them directly.
const (
	GreylistNew      = db.GreylistNew
	GreylistDeferred = db.GreylistDeferred
	GreylistPassed   = db.GreylistPassed
)
