package challenge

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/tunnelguard/internal/repository"
	"github.com/jbweber/homelab/tunnelguard/internal/testutil"
)

func newService(t *testing.T, name, publicURL string) (*Service, repository.ChallengeRepository, func()) {
	db, cleanup := testutil.SetupTestDBWithMigrations(t, name)
	repo := repository.NewChallengeRepository(db, repository.DialectSQLite)
	svc, err := NewService(repo, publicURL)
	require.NoError(t, err)
	return svc, repo, cleanup
}

func TestService_IssueAndSolve(t *testing.T) {
	svc, repo, cleanup := newService(t, "TestService_IssueAndSolve", "https://validator.example.com:3000/")
	defer cleanup()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "wireguard_203.0.113.7")
	require.NoError(t, err)

	_, err = uuid.Parse(issued.Challenge)
	require.NoError(t, err)
	_, err = uuid.Parse(issued.Solution)
	require.NoError(t, err)
	assert.NotEqual(t, issued.Challenge, issued.Solution)

	u, err := url.Parse(issued.URL)
	require.NoError(t, err)
	assert.Equal(t, "validator.example.com:3000", u.Host)
	assert.Equal(t, "/protocol/challenge/"+issued.Challenge, u.Path)
	assert.Equal(t, "wireguard_203.0.113.7", u.Query().Get("tag"))

	stored, err := repo.FindByID(ctx, issued.Challenge)
	require.NoError(t, err)
	assert.Equal(t, "wireguard_203.0.113.7", stored.Tag)

	solution, err := svc.Solution(ctx, issued.Challenge)
	require.NoError(t, err)
	assert.Equal(t, issued.Solution, solution)

	ok, err := svc.Verify(ctx, issued.Challenge, issued.Solution)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Verify(ctx, issued.Challenge, "guess")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t,
		"https://validator.example.com:3000/protocol/challenge/"+issued.Challenge+"/"+issued.Solution,
		svc.VerificationURL(issued.Challenge, issued.Solution))
}

func TestService_UnknownChallenge(t *testing.T) {
	svc, _, cleanup := newService(t, "TestService_UnknownChallenge", "http://127.0.0.1:3000")
	defer cleanup()
	ctx := context.Background()

	_, err := svc.Solution(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownChallenge)

	ok, err := svc.Verify(ctx, "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, "http://127.0.0.1:3000/protocol/challenge/abc", svc.ChallengeURL("abc", ""))
}

func TestService_SolutionServedFromCache(t *testing.T) {
	svc, repo, cleanup := newService(t, "TestService_SolutionServedFromCache", "http://127.0.0.1")
	defer cleanup()
	ctx := context.Background()

	issued, err := svc.Issue(ctx, "")
	require.NoError(t, err)
	_, err = svc.Solution(ctx, issued.Challenge)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByID(ctx, issued.Challenge))
	solution, err := svc.Solution(ctx, issued.Challenge)
	require.NoError(t, err)
	assert.Equal(t, issued.Solution, solution)
}

func TestService_PurgeStale(t *testing.T) {
	svc, repo, cleanup := newService(t, "TestService_PurgeStale", "http://127.0.0.1")
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	svc.now = func() time.Time { return now.Add(-2 * time.Hour) }
	old, err := svc.Issue(ctx, "")
	require.NoError(t, err)
	_, err = svc.Solution(ctx, old.Challenge)
	require.NoError(t, err)

	svc.now = func() time.Time { return now }
	fresh, err := svc.Issue(ctx, "")
	require.NoError(t, err)

	n, err := svc.PurgeStale(ctx, StaleAfter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Solution(ctx, old.Challenge)
	assert.ErrorIs(t, err, ErrUnknownChallenge)

	exists, err := repo.ExistsByID(ctx, fresh.Challenge)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestNewService_InvalidURL(t *testing.T) {
	_, err := NewService(nil, "not a url")
	assert.Error(t, err)
	_, err = NewService(nil, "://bad")
	assert.Error(t, err)
}
