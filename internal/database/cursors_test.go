package database

import (
	"context"
	"testing"
	"time"

	"inboxpilot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorUpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	got, err := db.GetCursor(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got, "account without sync history has no cursor")

	require.NoError(t, db.UpsertCursor(ctx, 1, "1000"))
	require.NoError(t, db.UpsertCursor(ctx, 1, "1042"))

	got, err = db.GetCursor(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1042", got.LastHistoryID)
}

func TestWatchExpiration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.UpsertCursor(ctx, 1, "10"))
	require.NoError(t, db.UpsertCursor(ctx, 2, "20"))

	require.NoError(t, db.SetWatch(ctx, 1, "res-1", time.Now().Add(30*time.Minute)))
	require.NoError(t, db.SetWatch(ctx, 2, "res-2", time.Now().Add(72*time.Hour)))

	ids, err := db.GetExpiringWatches(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, ids)
}

func TestAccountsCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	acc := &models.Account{Email: "bob@example.com", DisplayName: "Bob", IsActive: true}
	require.NoError(t, db.CreateAccount(ctx, acc))
	require.NotZero(t, acc.ID)

	got, err := db.GetAccountByEmail(ctx, "bob@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, acc.ID, got.ID)

	require.NoError(t, db.MarkAccountOnboarded(ctx, acc.ID))
	got, err = db.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.OnboardedAt.Valid)

	active, err := db.GetActiveAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestLabelsAndEvents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetLabel(ctx, 1, models.LabelRework, "Label_7", "AI/Rework"))
	require.NoError(t, db.SetLabel(ctx, 1, models.LabelDone, "Label_8", "AI/Done"))

	labels, err := db.GetLabels(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Label_7", labels[models.LabelRework])

	names, err := db.GetLabelNames(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "AI/Done", names[models.LabelDone])

	ev := &models.Event{AccountID: 1, ThreadID: "t1", EventType: models.EventClassified, Detail: "needs_response (high)"}
	require.NoError(t, db.LogEvent(ctx, ev))
	require.NotZero(t, ev.ID)

	events, err := db.GetThreadEvents(ctx, 1, "t1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventClassified, events[0].EventType)

	recent, err := db.GetRecentEvents(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
