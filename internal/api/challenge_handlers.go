package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
)

// newChallengeHandler mints a pair tagged with the tag query value. Local
// callers only; the solution is never part of the response.
func (a *API) newChallengeHandler(w http.ResponseWriter, r *http.Request) {
	issued, err := a.challenges.Issue(r.Context(), r.URL.Query().Get("tag"))
	if err != nil {
		writeFailure(w, r, "api.newChallengeHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, NewChallengeResponse{Challenge: issued.Challenge, URL: issued.URL})
}

// challengeSolutionHandler reveals the solution. Reaching it through a
// tunnel is what proves the tunnel routes to this host.
func (a *API) challengeSolutionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "challenge")
	solution, err := a.challenges.Solution(r.Context(), id)
	if err != nil {
		writeFailure(w, r, "api.challengeSolutionHandler", err)
		return
	}

	log.WithFields(logging.Fields{"at": "api.challengeSolutionHandler", "challenge": id, "local": a.isLocal(r)}).Info("challenge_solution_served")
	writeJSON(w, http.StatusOK, ChallengeSolutionResponse{
		Challenge:       id,
		Solution:        solution,
		VerificationURL: a.challenges.VerificationURL(id, solution),
	})
}

func (a *API) challengeVerifyHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "challenge")
	correct, err := a.challenges.Verify(r.Context(), id, chi.URLParam(r, "solution"))
	if err != nil {
		writeFailure(w, r, "api.challengeVerifyHandler", err)
		return
	}
	log.WithFields(logging.Fields{"at": "api.challengeVerifyHandler", "challenge": id, "correct": correct}).Debug("challenge_checked")
	writeJSON(w, http.StatusOK, ChallengeVerifyResponse{Correct: correct})
}
