package api

import (
	"time"

	"github.com/jbweber/homelab/tunnelguard/internal/tunnelconf"
)

const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	LastStart time.Time `json:"last_start"`
}

// LeaseRequest is decoded from the GET /api/lease/new query.
type LeaseRequest struct {
	Type         string `validate:"required,oneof=wireguard socks5"`
	LeaseSeconds int    `validate:"required,gte=1,lte=86400"`
	Priority     bool
	Format       string `validate:"required,oneof=json text"`
}

// WireguardLeaseResponse is the JSON form of a peer slot lease.
type WireguardLeaseResponse struct {
	SlotID     int                `json:"slot_id"`
	TotalSlots int                `json:"total_slots"`
	ExpiresAt  int64              `json:"expires_at"`
	Config     *tunnelconf.Config `json:"config,omitempty"`
	Text       string             `json:"text_config"`
}

// Socks5LeaseResponse is the JSON form of a credential lease.
type Socks5LeaseResponse struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
	ExpiresAt int64  `json:"expires_at"`
}

// ParseConfigRequest is the body of POST /api/config/parse.
type ParseConfigRequest struct {
	Config           string `json:"config" validate:"required"`
	ExpectedEndpoint string `json:"expected_endpoint" validate:"omitempty,ipv4"`
}

// TestConfigRequest is the body of POST /api/config/test.
type TestConfigRequest struct {
	Config string `json:"config" validate:"required"`
}

// NewChallengeResponse is returned by GET /protocol/challenge/new.
type NewChallengeResponse struct {
	Challenge string `json:"challenge"`
	URL       string `json:"challenge_url"`
}

// ChallengeSolutionResponse is returned by GET /protocol/challenge/{challenge}.
type ChallengeSolutionResponse struct {
	Challenge       string `json:"challenge"`
	Solution        string `json:"solution"`
	VerificationURL string `json:"verification_url"`
}

// ChallengeVerifyResponse is returned by GET /protocol/challenge/{challenge}/{solution}.
type ChallengeVerifyResponse struct {
	Correct bool `json:"correct"`
}
