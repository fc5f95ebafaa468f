package audit

import (
	"fmt"
	"strings"
	"time"
)

const bundleVersion = "charterdesk-evidence-v1"

// Bundle is the exported evidence for one deal: every receipt recorded for
// its negotiation, in recording order, plus a hash over that ordered list.
type Bundle struct {
	Version       string    `json:"version"`
	DealID        string    `json:"deal_id"`
	CorrelationID string    `json:"correlation_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	Receipts      []Receipt `json:"receipts"`
	BundleHash    string    `json:"bundle_hash"`
}

// BundleVerification reports the outcome of re-validating a bundle.
type BundleVerification struct {
	Valid           bool     `json:"valid"`
	BundleHashValid bool     `json:"bundle_hash_valid"`
	InvalidReceipts []string `json:"invalid_receipts,omitempty"`
}

func NewBundle(dealID, correlationID string, receipts []Receipt, generatedAt time.Time) Bundle {
	return Bundle{
		Version:       bundleVersion,
		DealID:        dealID,
		CorrelationID: correlationID,
		GeneratedAt:   generatedAt.UTC(),
		Receipts:      receipts,
		BundleHash:    BundleHash(bundleVersion, dealID, correlationID, receipts),
	}
}

// BundleHash hashes a newline separated manifest of the header fields
// followed by one "transaction_id:hash" line per receipt.
func BundleHash(version, dealID, correlationID string, receipts []Receipt) string {
	var b strings.Builder
	b.WriteString(version)
	b.WriteString("\n")
	b.WriteString(dealID)
	b.WriteString("\n")
	b.WriteString(correlationID)
	b.WriteString("\n")
	for _, r := range receipts {
		fmt.Fprintf(&b, "%s:%s\n", r.TransactionID, r.Hash)
	}
	return hashBytes([]byte(b.String()))
}

// VerifyBundle re-validates every receipt and the bundle hash.
func VerifyBundle(b Bundle) (BundleVerification, error) {
	var out BundleVerification
	for _, r := range b.Receipts {
		v, err := Validate(r)
		if err != nil {
			return BundleVerification{}, err
		}
		if !v.Valid {
			out.InvalidReceipts = append(out.InvalidReceipts, r.TransactionID.String())
		}
	}
	out.BundleHashValid = BundleHash(b.Version, b.DealID, b.CorrelationID, b.Receipts) == b.BundleHash
	out.Valid = out.BundleHashValid && len(out.InvalidReceipts) == 0
	return out, nil
}
