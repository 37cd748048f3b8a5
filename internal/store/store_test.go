package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neosignal/assistantproxy/internal/domain"
)

func openMigrated(t *testing.T) (*ActionLogStore, *RuleStore) {
	t.Helper()
	db, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return NewActionLogStore(db), NewRuleStore(db)
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open("")
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, Migrate(context.Background(), db))
}

func TestActionLogInsertAndList(t *testing.T) {
	actionLog, _ := openMigrated(t)
	ctx := context.Background()

	success := true
	record := domain.ActionLogRecord{
		UserID:    "u",
		Intent:    "home_control",
		Actions:   []domain.Action{{Domain: "light", Service: "turn_on", Target: map[string]any{"area_id": "bedroom"}}},
		Confirmed: false,
		Executed:  true,
		Success:   &success,
		Timestamp: time.Now().Add(-time.Minute).UTC(),
	}
	require.NoError(t, actionLog.InsertActionLog(ctx, record))

	failure := false
	record2 := domain.ActionLogRecord{
		UserID:    "u",
		Intent:    "home_control",
		Actions:   []domain.Action{{Domain: "lock", Service: "unlock"}},
		Confirmed: true,
		Executed:  true,
		Success:   &failure,
		Error:     "upstream timeout",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, actionLog.InsertActionLog(ctx, record2))

	got, err := actionLog.ListForUser(ctx, "u", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	for _, rec := range got {
		// executed=true always carries a definite success verdict.
		if rec.Executed {
			require.NotNil(t, rec.Success)
		}
	}
	newest := got[0]
	assert.Equal(t, "home_control", newest.Intent)
	assert.Equal(t, "upstream timeout", newest.Error)
	require.Len(t, newest.Actions, 1)
	assert.Equal(t, "lock", newest.Actions[0].Domain)
}

func TestRuleStoreLifecycle(t *testing.T) {
	_, rules := openMigrated(t)
	ctx := context.Background()

	inserted, err := rules.Insert(ctx, domain.UserRule{
		UserID:   "u",
		RuleText: "не включай свет после полуночи",
		RuleKind: "preference",
		Active:   true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, inserted.ID)

	active, err := rules.ListActive(ctx, "u")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "не включай свет после полуночи", active[0].RuleText)

	require.NoError(t, rules.Deactivate(ctx, inserted.ID))
	active, err = rules.ListActive(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, active)
}
