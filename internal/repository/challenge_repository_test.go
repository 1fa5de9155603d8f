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

func TestChallengeRepository_SaveFindDelete(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestChallengeRepository_SaveFindDelete")
	defer cleanup()
	repo := NewChallengeRepository(db, DialectSQLite)
	ctx := context.Background()

	_, err := repo.Save(ctx, domain.Challenge{Challenge: "c1", Solution: "s1", Tag: "wireguard_1.2.3.4"})
	require.NoError(t, err)

	found, err := repo.FindByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "s1", found.Solution)
	assert.Equal(t, "wireguard_1.2.3.4", found.Tag)
	assert.False(t, found.CreatedAt.IsZero())

	exists, err := repo.ExistsByID(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, repo.DeleteByID(ctx, "c1"))
	_, err = repo.FindByID(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.DeleteByID(ctx, "c1"), ErrNotFound)
}

func TestChallengeRepository_SaveTwiceKeepsOneRow(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestChallengeRepository_SaveTwiceKeepsOneRow")
	defer cleanup()
	repo := NewChallengeRepository(db, DialectSQLite)
	ctx := context.Background()

	_, err := repo.Save(ctx, domain.Challenge{Challenge: "c1", Solution: "s1"})
	require.NoError(t, err)
	_, err = repo.Save(ctx, domain.Challenge{Challenge: "c1", Solution: "s2"})
	require.NoError(t, err)

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s2", all[0].Solution)
}

func TestChallengeRepository_Save_Invalid(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestChallengeRepository_Save_Invalid")
	defer cleanup()
	repo := NewChallengeRepository(db, DialectSQLite)

	_, err := repo.Save(context.Background(), domain.Challenge{Challenge: "c1"})
	assert.ErrorIs(t, err, ErrInvalidEntity)
}

func TestChallengeRepository_DeleteOlderThan(t *testing.T) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, "TestChallengeRepository_DeleteOlderThan")
	defer cleanup()
	repo := NewChallengeRepository(db, DialectSQLite)
	ctx := context.Background()
	now := time.Now()

	_, err := repo.Save(ctx, domain.Challenge{Challenge: "old", Solution: "s", CreatedAt: now.Add(-2 * time.Hour)})
	require.NoError(t, err)
	_, err = repo.Save(ctx, domain.Challenge{Challenge: "new", Solution: "s", CreatedAt: now})
	require.NoError(t, err)

	n, err := repo.DeleteOlderThan(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	exists, err := repo.ExistsByID(ctx, "new")
	require.NoError(t, err)
	assert.True(t, exists)
}
