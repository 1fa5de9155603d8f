package api

import (
	"errors"
	"net/http"

	"github.com/jbweber/homelab/tunnelguard/internal/verifier"
)

// parseConfigHandler handles POST /api/config/parse.
//
// Always answers 200 with the parse result; an invalid config is reported in
// the body, not the status.
func (a *API) parseConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req ParseConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, "api.parseConfigHandler", err)
		return
	}
	writeJSON(w, http.StatusOK, a.engine.ParseTunnelConfig(req.Config, req.ExpectedEndpoint))
}

// testConfigHandler handles POST /api/config/test. Local callers only.
//
// A failed verification answers 503 with the verifier's result as the body.
func (a *API) testConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req TestConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, r, "api.testConfigHandler", err)
		return
	}

	res, err := a.engine.TestTunnelConnection(r.Context(), req.Config)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, verifier.ErrVerificationFailed):
		log.WithError(err).WithField("at", "api.testConfigHandler").Info("tunnel_test_failed")
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeFailure(w, r, "api.testConfigHandler", err)
	}
}
