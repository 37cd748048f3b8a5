package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neosignal/assistantproxy/internal/domain"
)

func seedEntry(userID, content string, kind domain.MemoryKind, importance domain.Importance, age time.Duration) domain.MemoryEntry {
	return domain.MemoryEntry{
		UserID:     userID,
		Role:       domain.RoleUser,
		Content:    content,
		Kind:       kind,
		Importance: importance,
		CreatedAt:  time.Now().Add(-age).UTC(),
	}
}

func TestGetRecentFiltersByKind(t *testing.T) {
	db := openTestDB(t)
	store := NewRecentStore(db, 20)
	ctx := context.Background()

	_, err := store.Add(ctx, seedEntry("u", "обычный разговор о погоде", domain.KindConversation, domain.ImportanceLow, time.Minute))
	require.NoError(t, err)
	_, err = store.Add(ctx, seedEntry("u", "выключил свет в спальне", domain.KindAction, domain.ImportanceHigh, time.Second))
	require.NoError(t, err)

	kind := domain.KindAction
	got, err := store.GetRecent(ctx, "u", 10, &kind)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.KindAction, got[0].Kind)
}

func TestGetByTimeRange(t *testing.T) {
	db := openTestDB(t)
	store := NewRecentStore(db, 20)
	ctx := context.Background()

	_, err := store.Add(ctx, seedEntry("u", "старое сообщение вне окна", domain.KindConversation, domain.ImportanceLow, 48*time.Hour))
	require.NoError(t, err)
	_, err = store.Add(ctx, seedEntry("u", "свежее сообщение в окне", domain.KindConversation, domain.ImportanceLow, time.Hour))
	require.NoError(t, err)

	got, err := store.GetByTimeRange(ctx, "u", time.Now().Add(-2*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "свежее сообщение в окне", got[0].Content)
}

func TestGetByImportanceOrdering(t *testing.T) {
	db := openTestDB(t)
	store := NewRecentStore(db, 20)
	ctx := context.Background()

	_, err := store.Add(ctx, seedEntry("u", "низкая важность", domain.KindConversation, domain.ImportanceLow, 4*time.Minute))
	require.NoError(t, err)
	_, err = store.Add(ctx, seedEntry("u", "средняя важность", domain.KindConversation, domain.ImportanceMedium, 3*time.Minute))
	require.NoError(t, err)
	_, err = store.Add(ctx, seedEntry("u", "высокая важность", domain.KindAction, domain.ImportanceHigh, 2*time.Minute))
	require.NoError(t, err)
	_, err = store.Add(ctx, seedEntry("u", "критичное правило", domain.KindRule, domain.ImportanceCritical, time.Minute))
	require.NoError(t, err)

	got, err := store.GetByImportance(ctx, "u", domain.ImportanceHigh, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.GreaterOrEqual(t, e.Importance.Rank(), domain.ImportanceHigh.Rank())
	}
}

func TestDeleteScopedToUser(t *testing.T) {
	db := openTestDB(t)
	store := NewRecentStore(db, 20)
	ctx := context.Background()

	id, err := store.Add(ctx, seedEntry("u", "сообщение пользователя u", domain.KindConversation, domain.ImportanceLow, time.Minute))
	require.NoError(t, err)

	// Another user cannot delete it.
	require.NoError(t, store.Delete(ctx, "intruder", id))
	got, err := store.GetRecent(ctx, "u", 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, store.Delete(ctx, "u", id))
	got, err = store.GetRecent(ctx, "u", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSemanticSearchRanksBySimilarity(t *testing.T) {
	_, _, semantic := newTestManager(t, 20)
	ctx := context.Background()

	_, err := semantic.Add(ctx, seedEntry("u", "включи свет в спальне пожалуйста", domain.KindPreference, domain.ImportanceCritical, time.Minute))
	require.NoError(t, err)
	_, err = semantic.Add(ctx, seedEntry("u", "рецепт борща со сметаной", domain.KindPreference, domain.ImportanceCritical, time.Minute))
	require.NoError(t, err)

	got, err := semantic.Search(ctx, "u", domain.KindPreference, "включи свет в спальне", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "включи свет в спальне пожалуйста", got[0].Content)
	assert.GreaterOrEqual(t, got[0].Similarity, got[1].Similarity)
}

func TestSemanticGetByTypeAndDelete(t *testing.T) {
	_, _, semantic := newTestManager(t, 20)
	ctx := context.Background()

	id, err := semantic.Add(ctx, seedEntry("u", "предпочитаю тёплый свет", domain.KindPreference, domain.ImportanceCritical, time.Minute))
	require.NoError(t, err)

	got, err := semantic.GetByType(ctx, "u", domain.KindPreference, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, semantic.Delete(ctx, "u", domain.KindPreference, id))
	got, err = semantic.GetByType(ctx, "u", domain.KindPreference, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSemanticRejectsKindWithoutCollection(t *testing.T) {
	_, _, semantic := newTestManager(t, 20)
	_, err := semantic.Add(context.Background(), seedEntry("u", "ошибка выполнения", domain.KindError, domain.ImportanceMedium, time.Minute))
	assert.Error(t, err)
}
