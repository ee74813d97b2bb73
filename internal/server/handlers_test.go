package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/activity"
	"github.com/ashita-ai/torii/internal/auth"
	"github.com/ashita-ai/torii/internal/engine"
	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/storage"
	"github.com/ashita-ai/torii/internal/tracker"
	"github.com/ashita-ai/torii/internal/verdict"
)

// fakeStore is an in-memory Store and activity sink for handler tests.
type fakeStore struct {
	mu         sync.Mutex
	identities map[string]model.Identity
	records    []model.ActivityRecord
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{identities: make(map[string]model.Identity)}
}

func (s *fakeStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *fakeStore) GetIdentity(_ context.Context, username string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[username]
	if !ok {
		return model.Identity{}, fmt.Errorf("storage: identity %s: %w", username, storage.ErrNotFound)
	}
	return id, nil
}

func (s *fakeStore) CreateIdentity(_ context.Context, id model.Identity) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.Username]; ok {
		return model.Identity{}, fmt.Errorf("storage: create identity: %w", &pgconn.PgError{Code: "23505"})
	}
	s.identities[id.Username] = id
	return id, nil
}

func (s *fakeStore) UpdateIdentity(_ context.Context, id model.Identity) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id.Username]; !ok {
		return model.Identity{}, fmt.Errorf("storage: identity %s: %w", id.Username, storage.ErrNotFound)
	}
	s.identities[id.Username] = id
	return id, nil
}

func (s *fakeStore) DeleteIdentity(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[username]; !ok {
		return fmt.Errorf("storage: identity %s: %w", username, storage.ErrNotFound)
	}
	delete(s.identities, username)
	return nil
}

func (s *fakeStore) ListIdentities(context.Context, int, int) ([]model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeStore) CountIdentities(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities), nil
}

func (s *fakeStore) ListActivity(context.Context, storage.ActivityFilter) ([]storage.ActivityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]storage.ActivityRow, len(s.records))
	for i, rec := range s.records {
		rows[i] = storage.ActivityRow{ActivityRecord: rec}
	}
	return rows, nil
}

func (s *fakeStore) InsertActivity(_ context.Context, records []model.ActivityRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return len(records), nil
}

func (s *fakeStore) RecordLogin(_ context.Context, username, peerAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[username]
	if !ok {
		return fmt.Errorf("storage: identity %s: %w", username, storage.ErrNotFound)
	}
	id.LoginCount++
	id.LastLoginIP = &peerAddr
	s.identities[username] = id
	return nil
}

func (s *fakeStore) put(id model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.Username] = id
}

type testServer struct {
	srv     *Server
	store   *fakeStore
	tracker *tracker.Tracker
	cache   *verdict.Cache
	logger  *activity.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := newFakeStore()
	tr := tracker.New()
	cache := verdict.New(1000)
	t.Cleanup(cache.Close)

	discard := slog.New(slog.DiscardHandler)
	actLogger := activity.New(store, discard, 100, 10, time.Hour)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	eng := engine.New(store, tr, cache, discard, engine.Config{
		AdminPrefix: "admin/",
		EvalTimeout: 5 * time.Second,
		ConnectTTL:  time.Minute,
		DenyTTL:     5 * time.Second,
	})

	srv := New(ServerConfig{
		Store:               store,
		Engine:              eng,
		Activity:            actLogger,
		Cache:               cache,
		Tracker:             tr,
		JWTMgr:              jwtMgr,
		Logger:              discard,
		Port:                0,
		DecisionDeadline:    5 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		AdminAPIKey:         "test-api-key",
		BcryptCost:          auth.MinHashCost,
	})

	return &testServer{srv: srv, store: store, tracker: tr, cache: cache, logger: actLogger}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/admin/v1/token", model.TokenRequest{APIKey: "test-api-key"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data model.TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func mustHash(t *testing.T, plaintext string) string {
	t.Helper()
	h, err := auth.HashPassword(plaintext, auth.MinHashCost)
	require.NoError(t, err)
	return h
}

func brokerResult(t *testing.T, w *httptest.ResponseRecorder) (string, string, []model.TopicQoS) {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Result any              `json:"result"`
		Topics []model.TopicQoS `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	switch res := resp.Result.(type) {
	case string:
		return res, "", resp.Topics
	case map[string]any:
		kind, _ := res["error"].(string)
		return "", kind, resp.Topics
	default:
		t.Fatalf("unexpected result shape: %v", resp.Result)
		return "", "", nil
	}
}

func authBody(clientID, username, password string) map[string]any {
	return map[string]any{
		"mountpoint": "",
		"client_id":  clientID,
		"username":   username,
		"password":   password,
		"peer_addr":  "10.0.0.7",
		"peer_port":  51234,
	}
}

func TestAuthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store.put(model.Identity{
		Username:     "sensor1",
		PasswordHash: mustHash(t, "s3cret!!"),
		IsActive:     true,
	})

	w := ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "s3cret!!"), nil)
	result, _, _ := brokerResult(t, w)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, ts.tracker.Current("sensor1"))

	w = ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "wrong"), nil)
	_, kind, _ := brokerResult(t, w)
	assert.Equal(t, "bad_credentials", kind)
	assert.Equal(t, 1, ts.tracker.Current("sensor1"))
}

func TestAuthMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/mqtt/auth", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	_, kind, _ := brokerResult(t, w)
	assert.Equal(t, "bad_request", kind)
}

func TestPublishEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store.put(model.Identity{
		Username:        "sensor1",
		PasswordHash:    mustHash(t, "s3cret!!"),
		IsActive:        true,
		PublishPatterns: []string{"sensors/+/temp"},
	})

	body := func(topic string) map[string]any {
		return map[string]any{
			"client_id": "c-1", "username": "sensor1",
			"topic": topic, "qos": 1, "retain": false,
		}
	}

	w := ts.do(t, http.MethodPost, "/mqtt/publish", body("sensors/room1/temp"), nil)
	result, _, _ := brokerResult(t, w)
	assert.Equal(t, "ok", result)

	w = ts.do(t, http.MethodPost, "/mqtt/publish", body("sensors/room1/humidity"), nil)
	_, kind, _ := brokerResult(t, w)
	assert.Equal(t, "not_authorized", kind)

	w = ts.do(t, http.MethodPost, "/mqtt/publish", body("admin/reset"), nil)
	_, kind, _ = brokerResult(t, w)
	assert.Equal(t, "admin_required", kind)
}

func TestSubscribeEndpointMixedOutcomes(t *testing.T) {
	ts := newTestServer(t)
	ts.store.put(model.Identity{
		Username:          "sensor1",
		PasswordHash:      mustHash(t, "s3cret!!"),
		IsActive:          true,
		SubscribePatterns: []string{"cmd/+"},
	})

	body := map[string]any{
		"client_id": "c-1", "username": "sensor1",
		"topics": []map[string]any{
			{"topic": "cmd/a", "qos": 1},
			{"topic": "telemetry/#", "qos": 0},
		},
	}
	w := ts.do(t, http.MethodPost, "/mqtt/subscribe", body, nil)
	result, _, topics := brokerResult(t, w)
	assert.Equal(t, "ok", result)
	require.Len(t, topics, 2)
	assert.Equal(t, model.TopicQoS{Topic: "cmd/a", QoS: 1}, topics[0])
	assert.Equal(t, model.TopicQoS{Topic: "telemetry/#", QoS: model.RejectedQoS}, topics[1])
}

func TestSubscribeUnknownUser(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{
		"client_id": "c-1", "username": "ghost",
		"topics": []map[string]any{{"topic": "a/b", "qos": 0}},
	}
	w := ts.do(t, http.MethodPost, "/mqtt/subscribe", body, nil)
	_, kind, topics := brokerResult(t, w)
	assert.Equal(t, "unknown_user", kind)
	assert.Empty(t, topics)
}

func TestOfflineReleasesSession(t *testing.T) {
	ts := newTestServer(t)
	ts.store.put(model.Identity{
		Username:     "sensor1",
		PasswordHash: mustHash(t, "s3cret!!"),
		IsActive:     true,
	})

	w := ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "s3cret!!"), nil)
	result, _, _ := brokerResult(t, w)
	require.Equal(t, "ok", result)
	require.Equal(t, 1, ts.tracker.Current("sensor1"))

	w = ts.do(t, http.MethodPost, "/mqtt/offline",
		map[string]any{"client_id": "c-1", "username": "sensor1"}, nil)
	result, _, _ = brokerResult(t, w)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 0, ts.tracker.Current("sensor1"))
}

func TestDecisionsLandInActivityQueue(t *testing.T) {
	ts := newTestServer(t)
	ts.store.put(model.Identity{
		Username:     "sensor1",
		PasswordHash: mustHash(t, "s3cret!!"),
		IsActive:     true,
	})

	ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "s3cret!!"), nil)
	ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "wrong"), nil)

	assert.Equal(t, 2, ts.logger.Len())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/mqtt/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp model.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())

	// Store outage flips the probe.
	ts.store.mu.Lock()
	ts.store.pingErr = fmt.Errorf("connection refused")
	ts.store.mu.Unlock()

	w = ts.do(t, http.MethodGet, "/mqtt/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthQueueHighWater(t *testing.T) {
	ts := newTestServer(t)

	// Fill the queue past the high-water mark; the drain loop is not running.
	for range 80 {
		ts.logger.Submit(model.ActivityRecord{
			OccurredAt: time.Now(),
			EventType:  model.EventAuth,
			Result:     model.ResultDeny,
		})
	}

	w := ts.do(t, http.MethodGet, "/mqtt/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/admin/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/v1/stats", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token := ts.adminToken(t)
	w = ts.do(t, http.MethodGet, "/admin/v1/stats", nil, bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminTokenRejectsWrongKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/token", model.TokenRequest{APIKey: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminIdentityCRUD(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)

	create := model.CreateIdentityRequest{
		Username:        "device-7",
		Password:        "hunter22",
		PublishPatterns: []string{"devices/7/#"},
		MaxConnections:  3,
	}
	w := ts.do(t, http.MethodPost, "/admin/v1/identities", create, bearer(token))
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate username conflicts.
	w = ts.do(t, http.MethodPost, "/admin/v1/identities", create, bearer(token))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/v1/identities/device-7", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Data model.Identity `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"devices/7/#"}, got.Data.PublishPatterns)
	assert.True(t, got.Data.IsActive, "active by default")

	// Partial update: only the active flag changes.
	inactive := false
	w = ts.do(t, http.MethodPut, "/admin/v1/identities/device-7",
		model.UpdateIdentityRequest{IsActive: &inactive}, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Data.IsActive)
	assert.Equal(t, 3, got.Data.MaxConnections, "unspecified fields unchanged")

	w = ts.do(t, http.MethodDelete, "/admin/v1/identities/device-7", nil, bearer(token))
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/v1/identities/device-7", nil, bearer(token))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminCreateRejectsBadPattern(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/identities", model.CreateIdentityRequest{
		Username:        "bad",
		Password:        "pw",
		PublishPatterns: []string{"a/#/b"},
	}, bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminUpdateInvalidatesCachedVerdicts(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)
	ts.store.put(model.Identity{
		Username:     "sensor1",
		PasswordHash: mustHash(t, "old-pass"),
		IsActive:     true,
	})

	// Prime the cache with an allow for the old password.
	w := ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "old-pass"), nil)
	result, _, _ := brokerResult(t, w)
	require.Equal(t, "ok", result)

	newPass := "new-pass"
	w = ts.do(t, http.MethodPut, "/admin/v1/identities/sensor1",
		model.UpdateIdentityRequest{Password: &newPass}, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)

	// The cached allow for the old password must be gone.
	w = ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "old-pass"), nil)
	_, kind, _ := brokerResult(t, w)
	assert.Equal(t, "bad_credentials", kind)

	w = ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "new-pass"), nil)
	result, _, _ = brokerResult(t, w)
	assert.Equal(t, "ok", result)
}

func TestAdminStats(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)
	ts.store.put(model.Identity{
		Username:     "sensor1",
		PasswordHash: mustHash(t, "s3cret!!"),
		IsActive:     true,
	})

	ts.do(t, http.MethodPost, "/mqtt/auth", authBody("c-1", "sensor1", "s3cret!!"), nil)

	w := ts.do(t, http.MethodGet, "/admin/v1/stats", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data model.StatsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.LiveSessions)
	assert.Equal(t, 1, resp.Data.CacheEntries)
	assert.Equal(t, 1, resp.Data.ActivityQueued)
}
