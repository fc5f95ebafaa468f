// Package audit produces tamper-evident receipts for state transitions.
//
// A receipt hash is the SHA-256 of the RFC 8785 canonical JSON of its
// payload, so any party holding the payload can recompute it.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

const hashPrefix = "sha256:"

// Outcome records whether the transition took effect.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeFailed  Outcome = "failed"
	OutcomeBlocked Outcome = "blocked"
)

// Payload is the canonicalised input of one transition.
type Payload struct {
	EntityType    string            `json:"entity_type"`
	EntityID      string            `json:"entity_id"`
	CorrelationID string            `json:"correlation_id"`
	Action        string            `json:"action"`
	FromStatus    string            `json:"from_status,omitempty"`
	ToStatus      string            `json:"to_status"`
	ActorID       string            `json:"actor_id,omitempty"`
	Outcome       Outcome           `json:"outcome"`
	Reason        string            `json:"reason,omitempty"`
	AmountMinor   *int64            `json:"amount_minor,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
}

// Receipt is write-once. Hash identifies the payload content and
// TransactionID identifies this particular record.
type Receipt struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Hash          string    `json:"hash"`
	Payload       Payload   `json:"payload"`
}

// Verification is the result of recomputing a receipt hash.
type Verification struct {
	Valid    bool   `json:"valid"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

var ErrInvalidPayload = errors.New("audit: invalid payload")

// Generate hashes p and wraps it in a new receipt. Timestamps are kept at
// microsecond precision in UTC so the hash survives a database round trip.
func Generate(p Payload) (Receipt, error) {
	if p.EntityType == "" || p.EntityID == "" || p.Action == "" || p.ToStatus == "" {
		return Receipt{}, fmt.Errorf("%w: entity, action and target status are required", ErrInvalidPayload)
	}
	if p.Outcome == "" {
		p.Outcome = OutcomeApplied
	}
	if p.OccurredAt.IsZero() {
		p.OccurredAt = time.Now()
	}
	p.OccurredAt = p.OccurredAt.UTC().Truncate(time.Microsecond)

	hash, err := Digest(p)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		TransactionID: uuid.New(),
		Hash:          hash,
		Payload:       p,
	}, nil
}

// Validate recomputes the hash of r.Payload and compares it with r.Hash.
func Validate(r Receipt) (Verification, error) {
	actual, err := Digest(r.Payload)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		Valid:    actual == r.Hash,
		Expected: r.Hash,
		Actual:   actual,
	}, nil
}

// Digest returns "sha256:<hex>" over the canonical JSON of p.
func Digest(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal receipt payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt payload: %w", err)
	}
	return hashBytes(canonical), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hashPrefix + hex.EncodeToString(sum[:])
}
