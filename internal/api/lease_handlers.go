package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/service"
	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
	"github.com/jbweber/homelab/tunnelguard/internal/verifier"
)

// parseLeaseRequest reads the query with defaults of type=wireguard,
// format=json and the service's default lease length.
func parseLeaseRequest(r *http.Request) (LeaseRequest, error) {
	q := r.URL.Query()
	req := LeaseRequest{
		Type:         q.Get("type"),
		Format:       q.Get("format"),
		LeaseSeconds: service.DefaultLeaseSeconds,
	}
	if req.Type == "" {
		req.Type = "wireguard"
	}
	if req.Format == "" {
		req.Format = "json"
	}

	var bad []string
	if raw := q.Get("lease_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			bad = append(bad, "lease_seconds = "+raw)
		}
		req.LeaseSeconds = n
	}
	if raw := q.Get("priority"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			bad = append(bad, "priority = "+raw)
		}
		req.Priority = b
	}
	if len(bad) > 0 {
		return req, &tunnelconf.ValidationError{Fields: bad}
	}
	return req, validate.Struct(req)
}

// newLeaseHandler handles GET /api/lease/new.
//
// Leases a WireGuard peer slot or a SOCKS5 credential. Returns 400 for a bad
// query and 503 with Retry-After when the pool is empty.
func (a *API) newLeaseHandler(w http.ResponseWriter, r *http.Request) {
	req, err := parseLeaseRequest(r)
	if err != nil {
		writeFailure(w, r, "api.newLeaseHandler", err)
		return
	}

	if req.Type == "socks5" {
		l, err := a.engine.GetValidSocks5Config(r.Context(), req.LeaseSeconds)
		if err != nil {
			writeFailure(w, r, "api.newLeaseHandler", err)
			return
		}
		if req.Format == "text" {
			writeText(w, http.StatusOK, verifier.ProxyURL(l.Credential)+"\n")
			return
		}
		writeJSON(w, http.StatusOK, Socks5LeaseResponse{
			Username:  l.Credential.Username,
			Password:  l.Credential.Password,
			IPAddress: l.Credential.IPAddress,
			Port:      l.Credential.Port,
			ExpiresAt: l.ExpiresAt.UnixMilli(),
		})
		return
	}

	l, err := a.engine.GetValidWireguardConfig(r.Context(), req.LeaseSeconds, req.Priority)
	if err != nil {
		writeFailure(w, r, "api.newLeaseHandler", err)
		return
	}
	log.WithFields(logging.Fields{"at": "api.newLeaseHandler", "slot": l.SlotID, "format": req.Format}).Debug("lease_served")

	parsed := a.engine.ParseTunnelConfig(l.Config, "")
	if req.Format == "text" {
		text := l.Config
		if parsed.Valid {
			text = *parsed.Canonical
		}
		writeText(w, http.StatusOK, text)
		return
	}

	resp := WireguardLeaseResponse{
		SlotID:     l.SlotID,
		TotalSlots: l.TotalSlots,
		ExpiresAt:  l.ExpiresAt.UnixMilli(),
		Config:     parsed.Config,
		Text:       l.Config,
	}
	if parsed.Valid {
		resp.Text = *parsed.Canonical
	}
	writeJSON(w, http.StatusOK, resp)
}

// releaseWireguardHandler handles DELETE /api/lease/wireguard/{slot}.
func (a *API) releaseWireguardHandler(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "slot")
	slot, err := strconv.Atoi(raw)
	if err != nil || slot < 1 {
		writeFailure(w, r, "api.releaseWireguardHandler", &tunnelconf.ValidationError{Fields: []string{"slot = " + raw}})
		return
	}
	if err := a.engine.ReleaseWireguard(r.Context(), slot); err != nil {
		writeFailure(w, r, "api.releaseWireguardHandler", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
