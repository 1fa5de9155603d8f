package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jbweber/homelab/tunnelguard/internal/challenge"
	"github.com/jbweber/homelab/tunnelguard/internal/lease"
	"github.com/jbweber/homelab/tunnelguard/internal/logging"
	"github.com/jbweber/homelab/tunnelguard/internal/repository"
	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
	"github.com/jbweber/homelab/tunnelguard/internal/verifier"
)

// extractClientIP extracts the client IP from the request. The first
// X-Forwarded-For hop wins over RemoteAddr only when trustForwarded is set.
func extractClientIP(r *http.Request, trustForwarded bool) (string, error) {
	if fwd := r.Header.Get("X-Forwarded-For"); trustForwarded && fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(ip), nil
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("unable to parse remote address: %w", err)
	}
	return ip, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).WithField("at", "api.writeJSON").Warn("encode_response_failed")
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		log.WithError(err).WithField("at", "api.writeText").Warn("write_response_failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeFailure maps engine errors onto status codes.
func writeFailure(w http.ResponseWriter, r *http.Request, at string, err error) {
	fields := logging.Fields{"at": at, "path": r.URL.Path}

	var exhausted *lease.ExhaustedError
	var verr *tunnelconf.ValidationError
	var cerr *lease.ConfigurationError
	var invalid validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request", Fields: verr.Fields})
	case errors.As(err, &invalid):
		fieldErrs := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			fieldErrs = append(fieldErrs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request", Fields: fieldErrs})
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, challenge.ErrUnknownChallenge):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &exhausted):
		if secs := exhausted.RetryAfter(time.Now()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		log.WithFields(fields).WithError(err).Info("lease_pool_exhausted")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, lease.ErrBusy), errors.Is(err, verifier.ErrAddressBusy):
		w.Header().Set("Retry-After", "5")
		log.WithFields(fields).WithError(err).Info("busy")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, verifier.ErrVerificationFailed):
		log.WithFields(fields).WithError(err).Info("verification_failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &cerr):
		log.WithFields(fields).WithError(err).Error("configuration_error")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		log.WithFields(fields).WithError(err).Error("request_failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &tunnelconf.ValidationError{Fields: []string{"body: " + err.Error()}}
	}
	return validate.Struct(dst)
}
