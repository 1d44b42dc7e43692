package domain

import "errors"

var (
	ErrValidation          = errors.New("invalid request")
	ErrInsufficientFunds   = errors.New("insufficient funds for transaction")
	ErrSigning             = errors.New("transaction signing failed")
	ErrBroadcast           = errors.New("transaction broadcast failed")
	ErrReceiptTimeout      = errors.New("transaction receipt timed out")
	ErrTransactionReverted = errors.New("transaction failed on chain")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrPersistence         = errors.New("record persistence failed")
	ErrRecordNotFound      = errors.New("record not found")
	ErrStatusConflict      = errors.New("record already in a different terminal status")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrInvalidID           = errors.New("invalid id")
)
