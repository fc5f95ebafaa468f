package domain

import "time"

// RailStatus is the settlement state reported by the payment rail.
type RailStatus string

const (
	RailSucceeded RailStatus = "SUCCEEDED"
	RailPending   RailStatus = "PENDING"
	RailFailed    RailStatus = "FAILED"
)

// TransferKind names the money movement a rail call performs.
type TransferKind string

const (
	TransferRelease TransferKind = "release"
	TransferRefund  TransferKind = "refund"
)

type RailTransferRequest struct {
	HoldID      string `json:"hold_id"`
	Beneficiary string `json:"beneficiary"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
}

type RailRefundRequest struct {
	HoldID      string `json:"hold_id"`
	Payer       string `json:"payer"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason"`
}

type RailResult struct {
	Reference   string     `json:"reference"`
	Status      RailStatus `json:"status"`
	FailureCode string     `json:"failure_code,omitempty"`
	ProcessedAt time.Time  `json:"processed_at"`
}
