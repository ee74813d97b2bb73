package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/torii/internal/activity"
	"github.com/ashita-ai/torii/internal/auth"
	"github.com/ashita-ai/torii/internal/engine"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/storage"
	"github.com/ashita-ai/torii/internal/telemetry"
	"github.com/ashita-ai/torii/internal/tracker"
	"github.com/ashita-ai/torii/internal/verdict"
)

// Store is the persistence surface the handlers need: health probing plus the
// identity and activity queries behind the admin API. *storage.DB satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetIdentity(ctx context.Context, username string) (model.Identity, error)
	CreateIdentity(ctx context.Context, id model.Identity) (model.Identity, error)
	UpdateIdentity(ctx context.Context, id model.Identity) (model.Identity, error)
	DeleteIdentity(ctx context.Context, username string) error
	ListIdentities(ctx context.Context, limit, offset int) ([]model.Identity, error)
	CountIdentities(ctx context.Context) (int, error)
	ListActivity(ctx context.Context, f storage.ActivityFilter) ([]storage.ActivityRow, error)
}

// queueHighWater is the fraction of the activity queue capacity above which
// the liveness probe reports unhealthy: decisions still flow, but records are
// about to be dropped.
const queueHighWater = 0.75

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store    Store
	engine   *engine.Engine
	activity *activity.Logger
	cache    *verdict.Cache
	tracker  *tracker.Tracker
	jwtMgr   *auth.JWTManager
	logger   *slog.Logger

	decisionDeadline    time.Duration
	adminAPIKey         string
	bcryptCost          int
	maxRequestBodyBytes int64
	version             string
	startedAt           time.Time

	decisions otelmetric.Int64Counter
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store    Store
	Engine   *engine.Engine
	Activity *activity.Logger
	Cache    *verdict.Cache
	Tracker  *tracker.Tracker
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	DecisionDeadline    time.Duration
	AdminAPIKey         string
	BcryptCost          int
	MaxRequestBodyBytes int64
	Version             string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	meter := telemetry.Meter("torii/server")
	decisions, _ := meter.Int64Counter("torii.decisions_total",
		otelmetric.WithDescription("Total broker decisions by endpoint, result, and error kind"))

	return &Handlers{
		store:               d.Store,
		engine:              d.Engine,
		activity:            d.Activity,
		cache:               d.Cache,
		tracker:             d.Tracker,
		jwtMgr:              d.JWTMgr,
		logger:              d.Logger,
		decisionDeadline:    d.DecisionDeadline,
		adminAPIKey:         d.AdminAPIKey,
		bcryptCost:          d.BcryptCost,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		version:             d.Version,
		startedAt:           time.Now(),
		decisions:           decisions,
	}
}

// HandleAuth handles POST /mqtt/auth (auth_on_register).
func (h *Handlers) HandleAuth(w http.ResponseWriter, r *http.Request) {
	var req model.AuthRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		h.denyMalformed(w, r, model.EventAuth)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.decisionDeadline)
	defer cancel()

	v, hit := h.engine.Register(ctx, req)
	h.record(ctx, model.EventAuth, req.WebhookRequest, "", v, hit)
	writeBroker(w, verdictResponse(v))
}

// HandlePublish handles POST /mqtt/publish (auth_on_publish).
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req model.PublishRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		h.denyMalformed(w, r, model.EventPublish)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.decisionDeadline)
	defer cancel()

	v, hit := h.engine.Publish(ctx, req)
	h.record(ctx, model.EventPublish, req.WebhookRequest, req.Topic, v, hit)
	writeBroker(w, verdictResponse(v))
}

// HandleSubscribe handles POST /mqtt/subscribe (auth_on_subscribe). The reply
// preserves request order: granted filters echo the requested QoS, rejected
// ones carry the broker's rejection marker.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req model.SubscribeRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		h.denyMalformed(w, r, model.EventSubscribe)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.decisionDeadline)
	defer cancel()

	v, hit := h.engine.Subscribe(ctx, req)
	h.record(ctx, model.EventSubscribe, req.WebhookRequest, subscribeDetail(req, v), v, hit)

	if v.Error != "" {
		writeBroker(w, model.DenyResponse(v.Error))
		return
	}

	topics := make([]model.TopicQoS, len(req.Topics))
	for i, t := range req.Topics {
		qos := t.QoS
		if !v.Grant(t.Topic) {
			qos = model.RejectedQoS
		}
		topics[i] = model.TopicQoS{Topic: t.Topic, QoS: qos}
	}
	writeBroker(w, model.SubscribeResponse(topics))
}

// HandleOffline handles POST /mqtt/offline (on_client_offline).
func (h *Handlers) HandleOffline(w http.ResponseWriter, r *http.Request) {
	var req model.WebhookRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		h.denyMalformed(w, r, model.EventDisconnect)
		return
	}

	h.engine.Disconnect(req.Username)
	h.record(r.Context(), model.EventDisconnect, req, "", model.AllowVerdict(), false)
	writeBroker(w, model.OkResponse())
}

// HandleWakeup handles POST /mqtt/wakeup (on_client_wakeup).
func (h *Handlers) HandleWakeup(w http.ResponseWriter, r *http.Request) {
	var req model.WebhookRequest
	if err := decodeJSON(w, r, h.maxRequestBodyBytes, &req); err != nil {
		h.denyMalformed(w, r, model.EventWakeup)
		return
	}

	v := h.engine.Wakeup(req.Username)
	h.record(r.Context(), model.EventWakeup, req, "", v, false)
	writeBroker(w, verdictResponse(v))
}

// HandleHealth handles GET /mqtt/health. Healthy means the store answers a
// ping and the activity queue sits below its high-water mark.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := model.HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: store ping failed", "error", err)
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else if float64(h.activity.Len()) >= queueHighWater*float64(h.activity.Capacity()) {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// record submits the activity record for a decision and bumps the decision
// counter. Neither touches the response path.
func (h *Handlers) record(ctx context.Context, et model.EventType, base model.WebhookRequest, detail string, v model.Verdict, hit bool) {
	result := resultOf(v)
	rec := model.ActivityRecord{
		OccurredAt: time.Now().UTC(),
		EventType:  et,
		Result:     result,
		ClientID:   base.ClientID,
		Username:   base.Username,
		PeerAddr:   base.PeerAddr,
		CacheHit:   hit,
	}
	switch et {
	case model.EventPublish:
		rec.Topic = detail
	case model.EventSubscribe:
		rec.Detail = detail
	}
	if result != model.ResultAllow {
		rec.ErrorMessage = string(v.Error)
	}
	h.activity.Submit(rec)

	if h.decisions != nil {
		attrs := []attribute.KeyValue{
			attribute.String("endpoint", string(et)),
			attribute.String("result", string(result)),
			attribute.Bool("cache_hit", hit),
		}
		if v.Error != "" {
			attrs = append(attrs, attribute.String("error_kind", string(v.Error)))
		}
		h.decisions.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
}

// denyMalformed answers an unparseable broker request and logs it.
func (h *Handlers) denyMalformed(w http.ResponseWriter, r *http.Request, et model.EventType) {
	h.record(r.Context(), et, model.WebhookRequest{}, "", model.DenyVerdict(model.ErrBadRequest), false)
	writeBroker(w, model.DenyResponse(model.ErrBadRequest))
}

// verdictResponse maps a verdict to the broker reply shape.
func verdictResponse(v model.Verdict) model.BrokerResponse {
	if v.Allow {
		return model.OkResponse()
	}
	return model.DenyResponse(v.Error)
}

// resultOf classifies a verdict for the activity log: infrastructure failures
// are errors, everything else is allow or deny.
func resultOf(v model.Verdict) model.Result {
	if v.Allow {
		return model.ResultAllow
	}
	switch v.Error {
	case model.ErrStoreUnavailable, model.ErrTimeout, model.ErrInternal:
		return model.ResultError
	}
	return model.ResultDeny
}

// subscribeDetail renders per-filter outcomes for the activity log, e.g.
// "cmd/a=allow telemetry/#=deny".
func subscribeDetail(req model.SubscribeRequest, v model.Verdict) string {
	if v.Error != "" {
		return ""
	}
	parts := make([]string, len(req.Topics))
	for i, t := range req.Topics {
		outcome := "deny"
		if v.Grant(t.Topic) {
			outcome = "allow"
		}
		parts[i] = t.Topic + "=" + outcome
	}
	return strings.Join(parts, " ")
}
