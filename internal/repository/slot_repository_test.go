package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/testutil"
)

func newSlotRepo(t *testing.T, name string) (SlotRepository, func()) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, name)
	repo := NewSlotRepository(db, DialectSQLite)
	return repo, func() {
		repo.Close()
		cleanup()
	}
}

func TestSlotRepository_SaveAndFind(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_SaveAndFind")
	defer cleanup()
	ctx := context.Background()

	expires := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	saved, err := repo.Save(ctx, domain.LeaseSlot{ID: 4, ExpiresAt: expires})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	found, err := repo.FindByID(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, found.ID)
	assert.True(t, expires.Equal(found.ExpiresAt))
}

func TestSlotRepository_Save_UpsertDoesNotDuplicate(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_Save_UpsertDoesNotDuplicate")
	defer cleanup()
	ctx := context.Background()

	first := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	second := first.Add(time.Hour)

	_, err := repo.Save(ctx, domain.LeaseSlot{ID: 2, ExpiresAt: first})
	require.NoError(t, err)
	_, err = repo.Save(ctx, domain.LeaseSlot{ID: 2, ExpiresAt: second})
	require.NoError(t, err)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, second.Equal(all[0].ExpiresAt))
}

func TestSlotRepository_Save_InvalidID(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_Save_InvalidID")
	defer cleanup()

	_, err := repo.Save(context.Background(), domain.LeaseSlot{ID: 0})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestSlotRepository_FindByID_NotFound(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_FindByID_NotFound")
	defer cleanup()

	_, err := repo.FindByID(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSlotRepository_FirstFreeInRange(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_FirstFreeInRange")
	defer cleanup()
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	id, ok, err := repo.FirstFreeInRange(ctx, 1, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	for _, slot := range []int{1, 2, 4} {
		_, err := repo.Save(ctx, domain.LeaseSlot{ID: slot, ExpiresAt: expires})
		require.NoError(t, err)
	}

	id, ok, err = repo.FirstFreeInRange(ctx, 1, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, id)

	id, ok, err = repo.FirstFreeInRange(ctx, 4, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, id)

	_, ok, err = repo.FirstFreeInRange(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = repo.FirstFreeInRange(ctx, 3, 2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlotRepository_FirstFreeInRange_ExpiredRowsStillTaken(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_FirstFreeInRange_ExpiredRowsStillTaken")
	defer cleanup()
	ctx := context.Background()

	_, err := repo.Save(ctx, domain.LeaseSlot{ID: 1, ExpiresAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)

	_, ok, err := repo.FirstFreeInRange(ctx, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSlotRepository_ExpiredOpenAndSoonest(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_ExpiredOpenAndSoonest")
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	_, err := repo.FindSoonestExpiring(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	slots := []domain.LeaseSlot{
		{ID: 1, ExpiresAt: now.Add(-time.Minute)},
		{ID: 2, ExpiresAt: now.Add(10 * time.Minute)},
		{ID: 3, ExpiresAt: now.Add(5 * time.Minute)},
		{ID: 4, ExpiresAt: now.Add(-2 * time.Minute)},
	}
	for _, s := range slots {
		_, err := repo.Save(ctx, s)
		require.NoError(t, err)
	}

	expired, err := repo.FindExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, 1, expired[0].ID)
	assert.Equal(t, 4, expired[1].ID)

	open, err := repo.FindOpen(ctx, now)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, 3, open[0].ID)
	assert.Equal(t, 2, open[1].ID)

	soonest, err := repo.FindSoonestExpiring(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, soonest.ID)
}

func TestSlotRepository_Delete(t *testing.T) {
	repo, cleanup := newSlotRepo(t, "TestSlotRepository_Delete")
	defer cleanup()
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	for id := 1; id <= 3; id++ {
		_, err := repo.Save(ctx, domain.LeaseSlot{ID: id, ExpiresAt: expires})
		require.NoError(t, err)
	}

	require.NoError(t, repo.DeleteByID(ctx, 1))
	assert.ErrorIs(t, repo.DeleteByID(ctx, 1), ErrNotFound)

	n, err := repo.DeleteByIDs(ctx, []int{2, 3, 7})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.DeleteByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	exists, err := repo.ExistsByID(ctx, 2)
	require.NoError(t, err)
	assert.False(t, exists)
}
