// Package relay implements the Relay Orchestrator: request-ID generation,
// per-account serialization, upstream forwarding with streaming
// passthrough, cancellation propagation, and the post-request accounting
// hookup. It is the one place that owns a request's three releasables —
// the concurrency lease, the optional account lock, and the optional
// queue slot — across every exit path.
package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/apirelay/internal/apikey"
	"github.com/nulpointcorp/apirelay/internal/calendar"
	"github.com/nulpointcorp/apirelay/internal/clientvalidator"
	"github.com/nulpointcorp/apirelay/internal/concurrency"
	"github.com/nulpointcorp/apirelay/internal/crypto"
	"github.com/nulpointcorp/apirelay/internal/kv"
	"github.com/nulpointcorp/apirelay/internal/metrics"
	"github.com/nulpointcorp/apirelay/internal/pricing"
	"github.com/nulpointcorp/apirelay/internal/ratelimit"
	"github.com/nulpointcorp/apirelay/internal/scheduler"
	"github.com/nulpointcorp/apirelay/internal/upstream"
	"github.com/nulpointcorp/apirelay/internal/usage"
	"github.com/nulpointcorp/apirelay/pkg/relayerr"
)

// AccountLockConfig bounds the per-account serialization lock some
// platforms require around forwarding.
type AccountLockConfig struct {
	TTL      time.Duration
	MinDelay time.Duration
}

// Config is the orchestrator's tunables, sourced from the session/
// concurrency configuration sections.
type Config struct {
	LeaseSeconds     int
	RenewInterval    time.Duration
	QueueTimeout     time.Duration
	AccountLock      AccountLockConfig
	WeeklyResetDay   int
	WeeklyResetHour  int
	// SerializingPlatforms names the platforms that require the per-account
	// lock before forwarding (console-session platforms, typically).
	SerializingPlatforms map[string]bool
}

// Orchestrator assembles and runs the per-request pipeline.
type Orchestrator struct {
	store       *kv.Store
	keys        *apikey.Store
	admission   *apikey.Admission
	schedulers  map[string]*scheduler.Scheduler
	concurrency *concurrency.Manager
	crypto      *crypto.Manager
	pricing     *pricing.Engine
	registry    *upstream.Registry
	accountant  *usage.Accountant
	limiter     *ratelimit.WindowLimiter
	clock       *calendar.Clock
	cfg         Config
	log         *slog.Logger
	metrics     *metrics.Registry // nil-safe: every call site guards it
}

// New builds an Orchestrator from its fully-wired dependencies. metrics may
// be nil, in which case the orchestrator simply skips instrumentation.
func New(
	store *kv.Store,
	keys *apikey.Store,
	admission *apikey.Admission,
	schedulers map[string]*scheduler.Scheduler,
	cm *concurrency.Manager,
	cr *crypto.Manager,
	pricingEngine *pricing.Engine,
	registry *upstream.Registry,
	accountant *usage.Accountant,
	limiter *ratelimit.WindowLimiter,
	clock *calendar.Clock,
	cfg Config,
	log *slog.Logger,
	reg *metrics.Registry,
) *Orchestrator {
	return &Orchestrator{
		store: store, keys: keys, admission: admission, schedulers: schedulers,
		concurrency: cm, crypto: cr, pricing: pricingEngine, registry: registry,
		accountant: accountant, limiter: limiter, clock: clock, cfg: cfg, log: log,
		metrics: reg,
	}
}

// Inbound is the normalized request the HTTP surface hands the
// orchestrator. Platform/Endpoint are resolved by the router from the
// request path.
type Inbound struct {
	Platform      string
	Endpoint      string
	HashedKey     string
	UserAgent     string
	Path          string
	SessionHash   string
	Model         string
	Messages      []upstream.Message
	System        string
	Stream        bool
	MaxTokens     int
	Temperature   float64
	AnthropicBeta string
	Speed         string
}

// Outcome is the terminal result of one relayed request. For a streaming
// response, Finish must be called exactly once after the caller has
// drained (or abandoned) Response.Stream — it runs the release of every
// leased resource plus the post-request accounting hookup. For a
// non-streaming response, Finish is a no-op: Handle already ran it.
type Outcome struct {
	RequestID string
	Response  *upstream.Response
	AccountID string
	Finish    func(ctx context.Context, usedTokens pricing.Usage, cancelled bool)
}

// Handle runs admission, scheduling, forwarding, and accounting for one
// request. The caller is responsible for draining Outcome.Response.Stream
// (if non-nil) and for cancelling ctx on client disconnect — this function
// itself observes ctx and releases all three leaseables on any exit.
func (o *Orchestrator) Handle(ctx context.Context, in Inbound) (*Outcome, error) {
	requestID := uuid.NewString()

	key, err := o.keys.Lookup(ctx, in.HashedKey)
	if err != nil {
		return nil, err
	}
	now := o.clock.Now()
	if err := key.Validate(now); err != nil {
		return nil, err
	}

	if err := validateClient(key.AllowedClients, in.UserAgent, in.Path); err != nil {
		return nil, err
	}

	today := o.clock.DateString(o.clock.In(now))
	opusPeriod := o.clock.WeeklyResetPeriodString(now, o.cfg.WeeklyResetDay, o.cfg.WeeklyResetHour)

	outcome, err := o.admission.Admit(ctx, apikey.CheckParams{
		Key:              key,
		Model:            in.Model,
		NormalizedModel:  usage.NormalizeModelName(in.Model, in.Platform),
		RequestID:        requestID,
		LeaseSeconds:     o.cfg.LeaseSeconds,
		QueueTimeout:     o.cfg.QueueTimeout,
		Today:            today,
		OpusWeeklyPeriod: opusPeriod,
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordAdmission(admissionRejectReason(err))
		}
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordAdmission("admitted")
		if outcome.Queued {
			o.metrics.ObserveQueueWait(key.ID, time.Since(outcome.WaitStarted))
		}
	}

	releaseAdmission := func() { _ = o.admission.Release(context.WithoutCancel(ctx), key.ID, requestID) }

	sched, ok := o.schedulers[in.Platform]
	if !ok {
		releaseAdmission()
		return nil, relayerr.New(relayerr.NoAvailableAccount, "no scheduler configured for platform "+in.Platform)
	}
	account, err := sched.Select(ctx, schedulerRequest(in, key))
	if err != nil {
		releaseAdmission()
		if o.metrics != nil {
			o.metrics.RecordSchedulerExhausted(in.Platform)
		}
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordSchedulerSelection(in.Platform)
	}

	var lockHeld bool
	for o.cfg.SerializingPlatforms[in.Platform] && !lockHeld {
		lock, err := o.concurrency.AcquireAccountLock(ctx, account.ID, requestID, o.cfg.AccountLock.TTL, o.cfg.AccountLock.MinDelay)
		if err != nil {
			releaseAdmission()
			return nil, relayerr.Wrap(relayerr.StoreUnavailable, err)
		}
		if lockHeld = lock.Acquired; !lockHeld {
			select {
			case <-ctx.Done():
				releaseAdmission()
				return nil, relayerr.New(relayerr.ClientDisconnect, "client disconnected while waiting for the account lock")
			case <-time.After(max(lock.Wait, 50*time.Millisecond)):
			}
		}
	}

	releaseAll := func() {
		if lockHeld {
			_, _ = o.concurrency.ReleaseAccountLock(context.WithoutCancel(ctx), account.ID, requestID)
		}
		releaseAdmission()
	}

	stopRenew := o.startLeaseRenewal(ctx, key.ID, requestID)

	adapter, ok := o.registry.Get(account.Platform)
	if !ok {
		stopRenew()
		releaseAll()
		return nil, relayerr.New(relayerr.UpstreamError, "no upstream adapter registered for platform "+account.Platform)
	}

	creds, err := o.credentialsFor(ctx, account.ID, account.Platform)
	if err != nil {
		stopRenew()
		releaseAll()
		return nil, err
	}

	forwardStart := time.Now()
	resp, err := adapter.Forward(ctx, creds, upstream.Request{
		Model: in.Model, Messages: in.Messages, System: in.System, Stream: in.Stream,
		MaxTokens: in.MaxTokens, Temperature: in.Temperature,
		AnthropicBeta: in.AnthropicBeta, Speed: in.Speed,
	})

	if err != nil {
		stopRenew()
		releaseAll()
		if o.metrics != nil {
			outcome := "error"
			if ctx.Err() != nil {
				outcome = "cancelled"
			}
			o.metrics.RecordUpstream(in.Platform, outcome, time.Since(forwardStart))
		}
		if ctx.Err() != nil {
			return nil, relayerr.New(relayerr.ClientDisconnect, "client disconnected during forwarding")
		}
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.RecordUpstream(in.Platform, "ok", time.Since(forwardStart))
	}

	finish := func(finishCtx context.Context, usedTokens pricing.Usage, cancelled bool) {
		stopRenew()
		releaseAll()
		if cancelled {
			return
		}
		resp.Usage = usedTokens
		o.account(finishCtx, key, account.ID, in, resp, now, today, opusPeriod)
	}

	// Non-streaming: the full response (and its usage) is already in hand,
	// so run the release + accounting hookup immediately. Streaming: the
	// caller drains resp.Stream and must call Outcome.Finish exactly once
	// after it closes, passing whatever usage it parsed along the way.
	if resp.Stream == nil {
		finish(ctx, resp.Usage, false)
		finish = func(context.Context, pricing.Usage, bool) {}
	}

	return &Outcome{RequestID: requestID, Response: resp, AccountID: account.ID, Finish: finish}, nil
}

func (o *Orchestrator) account(ctx context.Context, key apikey.Key, accountID string, in Inbound, resp *upstream.Response, now time.Time, today, opusPeriod string) {
	breakdown := pricing.Calculate(o.pricing.Table(), pricing.Request{
		Model: in.Model, Usage: resp.Usage, AnthropicBeta: in.AnthropicBeta, Speed: in.Speed,
	}, o.log)

	err := o.accountant.IncrementTokenUsage(ctx, usage.TokenUsageParams{
		KeyID: key.ID, Model: in.Model, Platform: in.Platform, AccountID: accountID,
		AccountType: key.AccountType, RequestID: "",
		Delta: usage.TokenDelta{
			InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens,
			CacheCreationTokens: resp.Usage.CacheCreationTokens, CacheReadTokens: resp.Usage.CacheReadTokens,
		},
		RealCost: breakdown.Total, RatedCost: breakdown.Total,
		WeeklyResetDay: o.cfg.WeeklyResetDay, WeeklyResetHour: o.cfg.WeeklyResetHour,
		Now: now.Unix(),
	})
	if err != nil {
		// Propagation policy: accounting must never break the main
		// request. It already completed; only log.
		o.log.Warn("usage accounting failed", "key", key.ID, "err", err)
	}

	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	if err := o.limiter.RecordUsage(ctx, key.ID, tokens, breakdown.Total); err != nil {
		o.log.Warn("rate-limit counter update failed", "key", key.ID, "err", err)
	}

	if o.metrics != nil {
		o.metrics.AddTokens(in.Platform, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		o.metrics.AddCost(in.Platform, key.AccountType, breakdown.Total)
	}
}

// admissionRejectReason extracts the relayerr.Kind string from an admission
// failure for the rejection-reason metric label, falling back to "unknown"
// for an error that didn't originate as a tagged relayerr.Error.
func admissionRejectReason(err error) string {
	if re, ok := relayerr.As(err); ok {
		return string(re.Kind)
	}
	return "unknown"
}

func (o *Orchestrator) startLeaseRenewal(ctx context.Context, keyID, requestID string) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ok, err := o.admission.RenewLease(ctx, keyID, requestID, o.cfg.LeaseSeconds); err != nil || !ok {
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { close(stop) }
}

// credentialsFor reads the account's credential hash and decrypts the
// sensitive fields. Plaintext values (accounts migrated before encryption
// was introduced) pass through Decrypt unchanged, matching the
// legacy-plaintext-passthrough behavior the crypto manager implements.
func (o *Orchestrator) credentialsFor(ctx context.Context, accountID, platform string) (upstream.Credentials, error) {
	fields, err := o.store.HGetAll(ctx, platform+":account:"+accountID)
	if err != nil {
		return upstream.Credentials{}, relayerr.Wrap(relayerr.StoreUnavailable, err)
	}
	return upstream.Credentials{
		APIKey:       o.crypto.Decrypt(accountID, fields["apiKey"]),
		BaseURL:      fields["baseUrl"],
		APIVersion:   fields["apiVersion"],
		AccessKey:    o.crypto.Decrypt(accountID, fields["accessKey"]),
		SecretKey:    o.crypto.Decrypt(accountID, fields["secretKey"]),
		SessionToken: o.crypto.Decrypt(accountID, fields["sessionToken"]),
		Region:       fields["region"],
	}, nil
}

func validateClient(allowedClients []string, ua, path string) error {
	return clientvalidator.Validate(allowedClients, ua, path)
}

func schedulerRequest(in Inbound, key apikey.Key) scheduler.Request {
	req := scheduler.Request{
		Platform: in.Platform, Endpoint: in.Endpoint, Model: in.Model,
		KeyID: key.ID, SessionHash: in.SessionHash,
	}
	switch {
	case key.BoundAccountID != "":
		req.Binding = scheduler.Binding{AccountID: key.BoundAccountID}
	case key.BoundGroupID != "":
		req.Binding = scheduler.Binding{GroupID: key.BoundGroupID}
	}
	return req
}
