package domain

import "errors"

// Ledger and payment error taxonomy. Callers match with errors.Is.
var (
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrAccountNotFound           = errors.New("account not found")
	ErrOwnerNotFound             = errors.New("owner not found")
	ErrExternalOracleUnavailable = errors.New("external oracle unavailable")
	ErrRefundFailed              = errors.New("refund failed")
	ErrInvoiceNotFound           = errors.New("invoice not found")
	ErrOutdatedInvoice           = errors.New("outdated invoice")
)
