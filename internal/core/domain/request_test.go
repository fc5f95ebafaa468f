package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func validRequestInput() NewRequestInput {
	return NewRequestInput{
		BrokerID: "broker-1",
		Legs: []Leg{
			{Origin: "EGLF", Destination: "LFMN", DepartureAt: testNow.Add(72 * time.Hour)},
		},
		Pax:    6,
		Budget: BudgetBand{MinMinor: 2_000_000, MaxMinor: 3_500_000, Currency: "EUR"},
	}
}

func TestNewRequest_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NewRequestInput)
		field  string
	}{
		{"missing route", func(in *NewRequestInput) { in.Legs = nil }, "route"},
		{"missing departure", func(in *NewRequestInput) { in.Legs[0].DepartureAt = time.Time{} }, "departure"},
		{"missing pax", func(in *NewRequestInput) { in.Pax = 0 }, "pax"},
		{"missing broker", func(in *NewRequestInput) { in.BrokerID = "" }, "broker_id"},
		{"same airports", func(in *NewRequestInput) { in.Legs[0].Destination = "EGLF" }, "origin equals destination"},
		{"inverted budget", func(in *NewRequestInput) { in.Budget.MinMinor = 9_000_000 }, "budget"},
		{"past expiry", func(in *NewRequestInput) { in.ExpiresAt = testNow.Add(-time.Hour) }, "expiry"},
		{"unknown urgency", func(in *NewRequestInput) { in.Urgency = "YESTERDAY" }, "urgency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validRequestInput()
			tt.mutate(&in)

			_, err := NewRequest(uuid.New(), in, testNow)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNewRequest_Defaults(t *testing.T) {
	r, err := NewRequest(uuid.New(), validRequestInput(), testNow)
	require.NoError(t, err)

	assert.Equal(t, RequestDraft, r.Status)
	assert.Equal(t, UrgencyStandard, r.Urgency)
	assert.Equal(t, r.Legs[0].DepartureAt, r.ExpiresAt)
}

func TestRequest_Lifecycle(t *testing.T) {
	r, err := NewRequest(uuid.New(), validRequestInput(), testNow)
	require.NoError(t, err)

	require.NoError(t, r.Publish(testNow))
	require.NoError(t, r.EnsureAcceptingQuotes(testNow))
	require.NoError(t, r.StartQuoting(testNow))
	require.NoError(t, r.Decide(testNow))
	require.Error(t, r.EnsureAcceptingQuotes(testNow))
	require.NoError(t, r.Book(testNow))
	require.NoError(t, r.MarkFlown(testNow))
	require.NoError(t, r.Reconcile(testNow))

	assert.True(t, r.IsTerminal())
	err = r.Cancel("too late", testNow)
	assert.True(t, IsErrorCode(err, ErrCodeInvalidTransition))
}

func TestRequest_InvalidTransitions(t *testing.T) {
	r, err := NewRequest(uuid.New(), validRequestInput(), testNow)
	require.NoError(t, err)

	assert.True(t, IsKind(r.StartQuoting(testNow), KindState))
	assert.True(t, IsKind(r.Book(testNow), KindState))
	assert.Equal(t, RequestDraft, r.Status)

	require.NoError(t, r.Cancel("broker withdrew", testNow))
	assert.Equal(t, "broker withdrew", *r.CancelReason)
	assert.True(t, IsKind(r.Publish(testNow), KindState))
}

func TestRequest_ExpiredRejectsQuotes(t *testing.T) {
	r, err := NewRequest(uuid.New(), validRequestInput(), testNow)
	require.NoError(t, err)
	require.NoError(t, r.Publish(testNow))

	err = r.EnsureAcceptingQuotes(r.ExpiresAt)
	assert.True(t, IsErrorCode(err, ErrCodeRequestExpired))
}

func TestQuote_Lifecycle(t *testing.T) {
	terms := QuoteTerms{
		Price:       Money{AmountMinor: 2_800_000, Currency: "EUR"},
		ValidUntil:  testNow.Add(24 * time.Hour),
		AircraftRef: "G-LXJT",
	}

	t.Run("validation", func(t *testing.T) {
		bad := terms
		bad.Price.AmountMinor = 0
		_, err := NewQuote(uuid.New(), uuid.New(), "op-1", bad, testNow)
		assert.True(t, IsErrorCode(err, ErrCodeInvalidAmount))

		bad = terms
		bad.AircraftRef = ""
		_, err = NewQuote(uuid.New(), uuid.New(), "op-1", bad, testNow)
		assert.True(t, IsKind(err, KindValidation))

		bad = terms
		bad.ValidFrom = testNow.Add(48 * time.Hour)
		_, err = NewQuote(uuid.New(), uuid.New(), "op-1", bad, testNow)
		assert.Contains(t, err.Error(), "inverted")
	})

	t.Run("accept then reject fails", func(t *testing.T) {
		q, err := NewQuote(uuid.New(), uuid.New(), "op-1", terms, testNow)
		require.NoError(t, err)
		require.NoError(t, q.Accept(testNow.Add(time.Hour)))
		assert.Equal(t, QuoteAccepted, q.Status)
		assert.True(t, IsKind(q.Reject("x", testNow), KindState))
	})

	t.Run("expired quote cannot be accepted", func(t *testing.T) {
		q, err := NewQuote(uuid.New(), uuid.New(), "op-1", terms, testNow)
		require.NoError(t, err)
		err = q.Accept(terms.ValidUntil)
		assert.True(t, IsErrorCode(err, ErrCodeQuoteExpired))
		assert.Equal(t, QuotePending, q.Status)
	})
}
