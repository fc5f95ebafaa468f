package domain

import (
	"fmt"
	"regexp"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Money is an amount in the currency's minor units.
type Money struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

func NewMoney(amountMinor int64, currency string) (Money, error) {
	m := Money{AmountMinor: amountMinor, Currency: currency}
	return m, m.Validate()
}

func (m Money) Validate() error {
	if m.AmountMinor <= 0 {
		return NewInvalidAmountError(m.AmountMinor)
	}
	if !currencyPattern.MatchString(m.Currency) {
		return NewValidationError(ErrCodeInvalidInput, fmt.Sprintf("currency %q is not an ISO 4217 code", m.Currency))
	}
	return nil
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.AmountMinor/100, m.AmountMinor%100, m.Currency)
}
