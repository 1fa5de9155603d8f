// Package challenge issues challenge/solution token pairs. A solution is only
// reachable by fetching the challenge URL, so a host that reports it back
// proves it could route to this server.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jbweber/homelab/tunnelguard/internal/domain"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
)

var log = logging.GetLogger()

const (
	// StaleAfter is how long a challenge row is kept.
	StaleAfter = 90 * time.Minute

	// PathPrefix is where the HTTP routes are mounted.
	PathPrefix = "/protocol/challenge"

	solutionCacheSize = 4096
)

// ErrUnknownChallenge is returned for challenges that were never issued or
// have been purged.
var ErrUnknownChallenge = errors.New("unknown challenge")

// Issued is a freshly generated pair and the public URL that reveals the
// solution.
type Issued struct {
	Challenge string `json:"challenge"`
	Solution  string `json:"-"`
	URL       string `json:"challenge_url"`
}

// Service issues and answers challenges.
type Service struct {
	repo    repository.ChallengeRepository
	baseURL *url.URL
	cache   *expirable.LRU[string, string]
	now     func() time.Time
}

// NewService creates a service whose URLs are rooted at publicURL.
func NewService(repo repository.ChallengeRepository, publicURL string) (*Service, error) {
	base, err := url.Parse(strings.TrimSpace(publicURL))
	if err != nil {
		return nil, fmt.Errorf("invalid public url %q: %w", publicURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid public url %q: scheme and host are required", publicURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawQuery = ""

	return &Service{
		repo:    repo,
		baseURL: base,
		cache:   expirable.NewLRU[string, string](solutionCacheSize, nil, StaleAfter),
		now:     time.Now,
	}, nil
}

// Issue stores a new random pair tagged with tag.
func (s *Service) Issue(ctx context.Context, tag string) (Issued, error) {
	pair := domain.Challenge{
		Challenge: uuid.NewString(),
		Solution:  uuid.NewString(),
		Tag:       tag,
		CreatedAt: s.now(),
	}
	if _, err := s.repo.Save(ctx, pair); err != nil {
		return Issued{}, fmt.Errorf("failed to store challenge: %w", err)
	}

	issued := Issued{Challenge: pair.Challenge, Solution: pair.Solution, URL: s.ChallengeURL(pair.Challenge, tag)}
	log.WithFields(logging.Fields{"at": "challenge.Issue", "challenge": pair.Challenge, "tag": tag}).Debug("challenge_issued")
	return issued, nil
}

// Solution returns the stored solution for challenge.
func (s *Service) Solution(ctx context.Context, challenge string) (string, error) {
	if solution, ok := s.cache.Get(challenge); ok {
		return solution, nil
	}

	pair, err := s.repo.FindByID(ctx, challenge)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrUnknownChallenge
	}
	if err != nil {
		return "", err
	}

	s.cache.Add(challenge, pair.Solution)
	return pair.Solution, nil
}

// Verify reports whether submitted is the solution of challenge. Unknown
// challenges are never correct.
func (s *Service) Verify(ctx context.Context, challenge, submitted string) (bool, error) {
	solution, err := s.Solution(ctx, challenge)
	if errors.Is(err, ErrUnknownChallenge) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return solution == submitted, nil
}

// ChallengeURL is the public URL that answers with the solution.
func (s *Service) ChallengeURL(challenge, tag string) string {
	u := s.endpoint(challenge)
	if tag != "" {
		u.RawQuery = url.Values{"tag": []string{tag}}.Encode()
	}
	return u.String()
}

// VerificationURL is the public URL that checks a submitted solution.
func (s *Service) VerificationURL(challenge, solution string) string {
	return s.endpoint(challenge, solution).String()
}

func (s *Service) endpoint(parts ...string) *url.URL {
	u := *s.baseURL
	u.Path = strings.Join(append([]string{s.baseURL.Path + PathPrefix}, parts...), "/")
	u.RawPath = ""
	return &u
}

// PurgeStale deletes challenges older than maxAge.
func (s *Service) PurgeStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	n, err := s.repo.DeleteOlderThan(ctx, s.now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.cache.Purge()
		log.WithFields(logging.Fields{"at": "challenge.PurgeStale", "deleted": n}).Info("stale_challenges_removed")
	}
	return n, nil
}

// RunCleanup calls PurgeStale every interval until ctx is done.
func (s *Service) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeStale(ctx, StaleAfter); err != nil {
				log.WithError(err).WithField("at", "challenge.RunCleanup").Warn("purge_failed")
			}
		}
	}
}
