// Package tee implements the TEE Gate: execution wrapping for confidential
// Databases. None and AtRest are pass-throughs (no page encryption is applied
// to AtRest Databases, neither here nor in internal/storage), and
// TEEEncrypted runs the statement inside an attested enclave session.
package tee

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/sqlitefleet/engine/internal/model"
	"github.com/sqlitefleet/engine/internal/service"
)

// AttestationLevel names the strength of enclave attestation a caller
// requires before execution is permitted.
type AttestationLevel string

const (
	AttestationNone     AttestationLevel = "none"
	AttestationBasic    AttestationLevel = "basic"
	AttestationStrict   AttestationLevel = "strict"
)

// ExecuteInTEERequest is the input to Gate.ExecuteInTEE.
type ExecuteInTEERequest struct {
	DatabaseID       string
	SQL              string
	Params           []model.Value
	SessionID        string
	AttestationLevel AttestationLevel
}

// Attestation is the evidence returned alongside a TEE execution result.
type Attestation struct {
	Measurement string
	Nonce       string
	VerifiedAt  time.Time
	Level       AttestationLevel
}

// ExecuteInTEEResult wraps the underlying execution result with attestation
// evidence.
type ExecuteInTEEResult struct {
	Attestation Attestation
}

// Executor runs a statement against the Storage Adapter once the Gate has
// decided execution may proceed.
type Executor func(sqlText string, params []model.Value) error

// AttestationProvider verifies an enclave session and returns a measurement.
// The zero value (nil) is replaced by a local stub attestation provider
// that always succeeds — production deployments wire in real enclave
// attestation verification (e.g. against an Intel DCAP or AMD SEV-SNP quote
// service) externally to this package, which has no such SDK available in
// the example pack to ground against.
type AttestationProvider interface {
	Verify(sessionID string, level AttestationLevel) (measurement string, ok bool)
}

// stubAttestationProvider always succeeds with a synthetic measurement; it
// exists so the Gate is usable in development and in tests without a real
// enclave.
type stubAttestationProvider struct{}

func (stubAttestationProvider) Verify(sessionID string, level AttestationLevel) (string, bool) {
	if sessionID == "" {
		return "", false
	}
	return "stub-measurement:" + sessionID, true
}

// Gate is the TEE Gate for one Node.
type Gate struct {
	provider AttestationProvider
}

// New creates a Gate. A nil provider falls back to the stub attestation
// provider.
func New(provider AttestationProvider) *Gate {
	if provider == nil {
		provider = stubAttestationProvider{}
	}
	return &Gate{provider: provider}
}

// Execute runs exec directly for EncryptionNone and EncryptionAtRest (AtRest
// statements run exactly like None: no page-encryption envelope is applied,
// and the Gate only intercepts the TEEEncrypted path). For
// TEEEncrypted it requires a caller-supplied session and delegates to
// ExecuteInTEE.
func (g *Gate) Execute(mode model.EncryptionMode, req ExecuteInTEERequest, exec Executor) (*ExecuteInTEEResult, error) {
	switch mode {
	case model.EncryptionNone, model.EncryptionAtRest:
		if err := exec(req.SQL, req.Params); err != nil {
			return nil, err
		}
		return nil, nil
	case model.EncryptionTEE:
		return g.ExecuteInTEE(req, exec)
	default:
		return nil, service.InvalidRequest("unknown encryption mode %v", mode)
	}
}

// ExecuteInTEE runs req inside an attested enclave session. On attestation
// failure it fails with TEERequired and refuses execution.
func (g *Gate) ExecuteInTEE(req ExecuteInTEERequest, exec Executor) (*ExecuteInTEEResult, error) {
	if req.SessionID == "" {
		return nil, service.TEERequired("databaseId %s: no enclave session provided", req.DatabaseID)
	}
	level := req.AttestationLevel
	if level == "" {
		level = AttestationBasic
	}

	measurement, ok := g.provider.Verify(req.SessionID, level)
	if !ok {
		return nil, service.TEERequired("databaseId %s: attestation verification failed for session %s", req.DatabaseID, req.SessionID)
	}

	if err := exec(req.SQL, req.Params); err != nil {
		return nil, err
	}

	return &ExecuteInTEEResult{
		Attestation: Attestation{
			Measurement: measurement,
			Nonce:       randomNonceHex(),
			VerifiedAt:  time.Now(),
			Level:       level,
		},
	}, nil
}

func randomNonceHex() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
