// Package engine evaluates MQTT authorization decisions: credential checks on
// CONNECT, ACL checks on PUBLISH and SUBSCRIBE, and session bookkeeping on
// DISCONNECT and WAKEUP.
//
// Evaluation is fail-closed: any condition the engine cannot positively verify
// — unknown identity, unreachable store, expired deadline — produces a deny
// carrying the corresponding error kind. Verdicts are memoized through the
// verdict cache; quota admission deliberately runs outside it so that every
// CONNECT, cached or not, is counted against the identity's limit.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/torii/internal/auth"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/storage"
	"github.com/ashita-ai/torii/internal/topics"
	"github.com/ashita-ai/torii/internal/tracker"
	"github.com/ashita-ai/torii/internal/verdict"
)

// Store is the identity lookup surface the engine needs.
type Store interface {
	GetIdentity(ctx context.Context, username string) (model.Identity, error)
	RecordLogin(ctx context.Context, username, peerAddr string) error
}

// Config carries the tunables for decision evaluation and verdict caching.
type Config struct {
	// AdminPrefix is the topic prefix reserved for identities with the admin
	// flag, e.g. "admin/". A trailing slash is tolerated.
	AdminPrefix string

	// EvalTimeout bounds a single detached evaluation (identity lookup plus
	// bcrypt or ACL work). Waiters give up at their request deadline; the
	// evaluation itself runs to this limit so a late result can still be
	// cached.
	EvalTimeout time.Duration

	ConnectTTL   time.Duration
	PublishTTL   time.Duration // 0 disables publish verdict caching
	SubscribeTTL time.Duration // 0 disables subscribe verdict caching
	DenyTTL      time.Duration
}

// Engine composes the identity store, session tracker, and verdict cache into
// the decision surface the webhook handlers call.
type Engine struct {
	store   Store
	tracker *tracker.Tracker
	cache   *verdict.Cache
	logger  *slog.Logger
	cfg     Config

	adminRoot string // AdminPrefix without the trailing slash
}

// New creates an Engine.
func New(store Store, tr *tracker.Tracker, cache *verdict.Cache, logger *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:     store,
		tracker:   tr,
		cache:     cache,
		logger:    logger,
		cfg:       cfg,
		adminRoot: strings.TrimSuffix(cfg.AdminPrefix, "/"),
	}
}

// Register evaluates an auth_on_register request. The returned bool reports
// whether the credential verdict came from the cache; quota admission and
// login recording run on every call regardless.
func (e *Engine) Register(ctx context.Context, req model.AuthRequest) (model.Verdict, bool) {
	// An absent username is indistinguishable from bad credentials to the
	// broker; do not leak that anonymous access is not even looked up.
	if req.Username == "" {
		return model.DenyVerdict(model.ErrBadCredentials), false
	}

	fp := verdict.ConnectFingerprint(req.Username, req.ClientID, req.Password)
	v, hit, err := e.cache.Do(ctx, fp, req.Username, e.cfg.EvalTimeout, e.connectTTL, func(evalCtx context.Context) model.Verdict {
		return e.evalConnect(evalCtx, req)
	})
	if err != nil {
		return model.DenyVerdict(model.ErrTimeout), false
	}
	if !v.Allow {
		return v, hit
	}

	// Quota admission is per-request state, never cached: a hot cache entry
	// must not let an identity exceed its connection limit.
	if !e.tracker.TryAcquire(req.Username, v.MaxConnections) {
		return model.DenyVerdict(model.ErrQuotaExceeded), hit
	}

	// Login bookkeeping is best-effort and off the hot path. Detached from
	// the request context so a broker-side cancellation does not lose it.
	go func() {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.EvalTimeout)
		defer cancel()
		if err := e.store.RecordLogin(recCtx, req.Username, req.PeerAddr); err != nil {
			e.logger.Warn("engine: record login failed", "username", req.Username, "error", err)
		}
	}()

	return v, hit
}

// evalConnect checks identity, active flag, client-id binding, and password,
// in that order. The first failed check decides the verdict.
func (e *Engine) evalConnect(ctx context.Context, req model.AuthRequest) model.Verdict {
	id, err := e.store.GetIdentity(ctx, req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn the same bcrypt cost as a real verification so response
			// timing does not reveal which usernames exist.
			auth.DummyVerify()
			return model.DenyVerdict(model.ErrUnknownUser)
		}
		return e.storeErrVerdict(ctx, err)
	}
	if !id.IsActive {
		return model.DenyVerdict(model.ErrInactive)
	}
	if id.AllowedClientID != nil && *id.AllowedClientID != req.ClientID {
		return model.DenyVerdict(model.ErrClientIDMismatch)
	}
	if !auth.VerifyPassword(id.PasswordHash, req.Password) {
		return model.DenyVerdict(model.ErrBadCredentials)
	}

	v := model.AllowVerdict()
	v.MaxConnections = id.MaxConnections
	return v
}

// Publish evaluates an auth_on_publish request.
func (e *Engine) Publish(ctx context.Context, req model.PublishRequest) (model.Verdict, bool) {
	if req.Username == "" || req.Topic == "" {
		return model.DenyVerdict(model.ErrBadRequest), false
	}

	eval := func(evalCtx context.Context) model.Verdict {
		return e.evalPublish(evalCtx, req)
	}
	if e.cfg.PublishTTL <= 0 {
		// Caching disabled: evaluate inline under the request deadline.
		return e.evalDirect(ctx, eval)
	}

	fp := verdict.PublishFingerprint(req.Username, req.Topic, req.QoS)
	v, hit, err := e.cache.Do(ctx, fp, req.Username, e.cfg.EvalTimeout, e.publishTTL, eval)
	if err != nil {
		return model.DenyVerdict(model.ErrTimeout), false
	}
	return v, hit
}

func (e *Engine) evalPublish(ctx context.Context, req model.PublishRequest) model.Verdict {
	id, v, ok := e.lookupActive(ctx, req.Username)
	if !ok {
		return v
	}
	if e.isAdminTopic(req.Topic) && !id.IsAdmin {
		return model.DenyVerdict(model.ErrAdminRequired)
	}
	if !topics.Allowed(req.Topic, id.PublishPatterns) {
		return model.DenyVerdict(model.ErrNotAuthorized)
	}
	return model.AllowVerdict()
}

// Subscribe evaluates an auth_on_subscribe request. The verdict carries one
// grant per requested filter; the caller shapes the broker reply from it.
func (e *Engine) Subscribe(ctx context.Context, req model.SubscribeRequest) (model.Verdict, bool) {
	if req.Username == "" || len(req.Topics) == 0 {
		return model.DenyVerdict(model.ErrBadRequest), false
	}

	filters := make([]string, len(req.Topics))
	for i, t := range req.Topics {
		if t.Topic == "" {
			return model.DenyVerdict(model.ErrBadRequest), false
		}
		filters[i] = t.Topic
	}

	eval := func(evalCtx context.Context) model.Verdict {
		return e.evalSubscribe(evalCtx, req.Username, filters)
	}
	if e.cfg.SubscribeTTL <= 0 {
		return e.evalDirect(ctx, eval)
	}

	fp := verdict.SubscribeFingerprint(req.Username, filters)
	v, hit, err := e.cache.Do(ctx, fp, req.Username, e.cfg.EvalTimeout, e.subscribeTTL, eval)
	if err != nil {
		return model.DenyVerdict(model.ErrTimeout), false
	}
	return v, hit
}

func (e *Engine) evalSubscribe(ctx context.Context, username string, filters []string) model.Verdict {
	id, v, ok := e.lookupActive(ctx, username)
	if !ok {
		return v
	}

	grants := make([]model.FilterGrant, len(filters))
	for i, f := range filters {
		allowed := topics.Allowed(f, id.SubscribePatterns)
		if allowed && e.isAdminFilter(f) && !id.IsAdmin {
			allowed = false
		}
		grants[i] = model.FilterGrant{Filter: f, Allowed: allowed}
	}
	return model.SubscribeVerdict(grants)
}

// Disconnect releases the session slot held by username. Safe to call for
// sessions the tracker never saw.
func (e *Engine) Disconnect(username string) {
	if username == "" {
		return
	}
	e.tracker.Release(username)
}

// Wakeup acknowledges a broker-initiated session revival. The session slot
// was never released, so the tracker is untouched; the call exists so the
// event lands in the activity log.
func (e *Engine) Wakeup(username string) model.Verdict {
	if username == "" {
		return model.DenyVerdict(model.ErrBadRequest)
	}
	return model.AllowVerdict()
}

// lookupActive fetches the identity and applies the checks shared by publish
// and subscribe evaluation. ok is false when the returned verdict decides the
// request.
func (e *Engine) lookupActive(ctx context.Context, username string) (model.Identity, model.Verdict, bool) {
	id, err := e.store.GetIdentity(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Identity{}, model.DenyVerdict(model.ErrUnknownUser), false
		}
		return model.Identity{}, e.storeErrVerdict(ctx, err), false
	}
	if !id.IsActive {
		return model.Identity{}, model.DenyVerdict(model.ErrInactive), false
	}
	return id, model.Verdict{}, true
}

// evalDirect runs eval inline for operations with caching disabled. The
// evaluation threads ctx into the store call; the check afterwards catches
// evaluations that returned a verdict despite the deadline expiring, so the
// fail-closed contract holds without spawning a goroutine per request.
func (e *Engine) evalDirect(ctx context.Context, eval func(context.Context) model.Verdict) (model.Verdict, bool) {
	if ctx.Err() != nil {
		return model.DenyVerdict(model.ErrTimeout), false
	}
	v := eval(ctx)
	if ctx.Err() != nil {
		return model.DenyVerdict(model.ErrTimeout), false
	}
	return v, false
}

// storeErrVerdict maps a store failure to its error kind, distinguishing a
// deadline expiry from an unreachable store.
func (e *Engine) storeErrVerdict(ctx context.Context, err error) model.Verdict {
	e.logger.Error("engine: identity lookup failed", "error", err)
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return model.DenyVerdict(model.ErrTimeout)
	}
	return model.DenyVerdict(model.ErrStoreUnavailable)
}

// isAdminTopic reports whether topic sits under the admin-reserved prefix.
func (e *Engine) isAdminTopic(topic string) bool {
	if e.adminRoot == "" {
		return false
	}
	return topic == e.adminRoot || strings.HasPrefix(topic, e.adminRoot+"/")
}

// isAdminFilter reports whether a subscription filter can reach the admin
// tree, including via wildcards ("#", "+/...").
func (e *Engine) isAdminFilter(filter string) bool {
	if e.adminRoot == "" {
		return false
	}
	first, _, _ := strings.Cut(filter, "/")
	return first == e.adminRoot || first == "#" || first == "+"
}

// connectTTL selects the cache TTL for a CONNECT verdict. Infrastructure
// failures are never cached; denies use the short deny TTL.
func (e *Engine) connectTTL(v model.Verdict) time.Duration {
	return e.ttl(v, e.cfg.ConnectTTL)
}

func (e *Engine) publishTTL(v model.Verdict) time.Duration {
	return e.ttl(v, e.cfg.PublishTTL)
}

func (e *Engine) subscribeTTL(v model.Verdict) time.Duration {
	return e.ttl(v, e.cfg.SubscribeTTL)
}

func (e *Engine) ttl(v model.Verdict, allowTTL time.Duration) time.Duration {
	switch v.Error {
	case model.ErrStoreUnavailable, model.ErrTimeout, model.ErrInternal:
		// Transient by nature: caching would extend an outage's blast radius.
		return 0
	}
	if !v.Allow && len(v.Filters) == 0 {
		return e.cfg.DenyTTL
	}
	return allowTTL
}
