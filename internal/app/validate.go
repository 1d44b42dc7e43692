package app

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cimillas/chain-trade/internal/domain"
)

// maxIntegerDigits bounds the whole part of amounts and prices. 10^59 coins
// is 10^77 minor units, which still fits a uint256 and NUMERIC(78,18).
const maxIntegerDigits = 59

type TradeInput struct {
	SubjectID      string
	Pair           string
	Amount         decimal.Decimal
	UnitPrice      *decimal.Decimal
	Kind           domain.Kind
	IdempotencyKey string
}

type TransferInput struct {
	SubjectID      string
	FromAddress    string
	ToAddress      string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// ValidateTrade returns the first rule a trade request violates, wrapped in
// domain.ErrValidation. It performs no I/O.
func ValidateTrade(in TradeInput) error {
	switch {
	case strings.TrimSpace(in.Pair) == "":
		return invalid("invalid currency pair")
	case !in.Kind.Valid() || in.Kind == domain.KindTransfer:
		return invalid("invalid order type")
	}
	if err := validateAmount(in.Amount); err != nil {
		return err
	}
	if in.Kind.RequiresPrice() && (in.UnitPrice == nil || !in.UnitPrice.IsPositive()) {
		return invalid("invalid price")
	}
	if in.UnitPrice != nil && !withinMagnitude(*in.UnitPrice) {
		return invalid("price out of range")
	}
	return nil
}

// ValidateTransfer checks a transfer request. FromAddress is optional.
func ValidateTransfer(in TransferInput) error {
	if !domain.ValidAddress(in.ToAddress) {
		return invalid("invalid destination address")
	}
	if in.FromAddress != "" && !domain.ValidAddress(in.FromAddress) {
		return invalid("invalid source address")
	}
	return validateAmount(in.Amount)
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("invalid amount")
	}
	if !withinMagnitude(amount) {
		return invalid("amount out of range")
	}
	if !amount.Shift(nativeDecimals).IsInteger() {
		return invalid(fmt.Sprintf("amount exceeds %d decimal places", nativeDecimals))
	}
	return nil
}

// withinMagnitude reports whether d has at most maxIntegerDigits digits
// before the decimal point. It only inspects the coefficient and exponent.
func withinMagnitude(d decimal.Decimal) bool {
	return int64(d.NumDigits())+int64(d.Exponent()) <= maxIntegerDigits
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}
