package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/torii/internal/model"
	"github.com/ashita-ai/torii/internal/storage"
	"github.com/ashita-ai/torii/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("TORII_SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage_test: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

func newIdentity(username string) model.Identity {
	return model.Identity{
		Username:          username,
		PasswordHash:      "$2a$10$abcdefghijklmnopqrstuvABCDEFGHIJKLMNOPQRSTUVWXYZ012345",
		IsActive:          true,
		PublishPatterns:   []string{"sensors/+/temp", "devices/#"},
		SubscribePatterns: []string{"cmd/+"},
		MaxConnections:    2,
	}
}

func TestIdentityLifecycle(t *testing.T) {
	ctx := context.Background()

	created, err := testDB.CreateIdentity(ctx, newIdentity("lifecycle-1"))
	require.NoError(t, err)
	assert.NotEqual(t, "", created.ID.String())

	got, err := testDB.GetIdentity(ctx, "lifecycle-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, []string{"sensors/+/temp", "devices/#"}, got.PublishPatterns)
	assert.Equal(t, []string{"cmd/+"}, got.SubscribePatterns)
	assert.Equal(t, 2, got.MaxConnections)
	assert.True(t, got.IsActive)
	assert.Zero(t, got.LoginCount)
	assert.Nil(t, got.LastLoginAt)

	got.IsActive = false
	got.SubscribePatterns = nil
	updated, err := testDB.UpdateIdentity(ctx, got)
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.Empty(t, updated.SubscribePatterns)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	require.NoError(t, testDB.DeleteIdentity(ctx, "lifecycle-1"))
	_, err = testDB.GetIdentity(ctx, "lifecycle-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetIdentityNotFound(t *testing.T) {
	_, err := testDB.GetIdentity(context.Background(), "no-such-user")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateIdentityDuplicateUsername(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.CreateIdentity(ctx, newIdentity("dup-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.DeleteIdentity(ctx, "dup-1") })

	_, err = testDB.CreateIdentity(ctx, newIdentity("dup-1"))
	require.Error(t, err)
	assert.True(t, storage.IsDuplicateKeyError(err))
}

func TestUpdateIdentityNotFound(t *testing.T) {
	_, err := testDB.UpdateIdentity(context.Background(), newIdentity("no-such-user"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteIdentityNotFound(t *testing.T) {
	err := testDB.DeleteIdentity(context.Background(), "no-such-user")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRecordLogin(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.CreateIdentity(ctx, newIdentity("login-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.DeleteIdentity(ctx, "login-1") })

	require.NoError(t, testDB.RecordLogin(ctx, "login-1", "10.0.0.7"))
	require.NoError(t, testDB.RecordLogin(ctx, "login-1", "10.0.0.8"))

	got, err := testDB.GetIdentity(ctx, "login-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LoginCount)
	require.NotNil(t, got.LastLoginAt)
	require.NotNil(t, got.LastLoginIP)
	assert.Equal(t, "10.0.0.8", *got.LastLoginIP)
}

func TestListAndCountIdentities(t *testing.T) {
	ctx := context.Background()

	for _, u := range []string{"list-a", "list-b", "list-c"} {
		_, err := testDB.CreateIdentity(ctx, newIdentity(u))
		require.NoError(t, err)
		t.Cleanup(func() { _ = testDB.DeleteIdentity(ctx, u) })
	}

	ids, err := testDB.ListIdentities(ctx, 1000, 0)
	require.NoError(t, err)
	var names []string
	for _, id := range ids {
		names = append(names, id.Username)
	}
	assert.Subset(t, names, []string{"list-a", "list-b", "list-c"})
	assert.IsIncreasing(t, names, "ordered by username")

	count, err := testDB.CountIdentities(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 3)
}

func TestActivityInsertAndList(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	records := []model.ActivityRecord{
		{
			OccurredAt: base,
			EventType:  model.EventAuth,
			Result:     model.ResultAllow,
			ClientID:   "c-1",
			Username:   "activity-1",
			PeerAddr:   "10.0.0.7",
			CacheHit:   false,
		},
		{
			OccurredAt:   base.Add(time.Second),
			EventType:    model.EventPublish,
			Result:       model.ResultDeny,
			ClientID:     "c-1",
			Username:     "activity-1",
			PeerAddr:     "10.0.0.7",
			Topic:        "admin/reset",
			ErrorMessage: "admin_required",
			CacheHit:     true,
		},
	}

	n, err := testDB.InsertActivity(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := testDB.ListActivity(ctx, storage.ActivityFilter{Username: "activity-1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first.
	assert.Equal(t, model.EventPublish, rows[0].EventType)
	assert.Equal(t, "admin/reset", rows[0].Topic)
	assert.Equal(t, "admin_required", rows[0].ErrorMessage)
	assert.True(t, rows[0].CacheHit)
	assert.Equal(t, model.EventAuth, rows[1].EventType)
	assert.Equal(t, "", rows[1].Topic, "absent topic round-trips as empty")

	denied, err := testDB.ListActivity(ctx, storage.ActivityFilter{
		Username: "activity-1",
		Result:   string(model.ResultDeny),
	})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, model.EventPublish, denied[0].EventType)
}

func TestInsertActivityEmptyBatch(t *testing.T) {
	n, err := testDB.InsertActivity(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPing(t *testing.T) {
	assert.NoError(t, testDB.Ping(context.Background()))
}
