// Package module defines the contract every bot feature implements so the
// dispatcher can select, price, charge and run it uniformly.
package module

import (
	"context"
)

// Module is a bot feature.
type Module interface {
	// Name identifies the module in logs and payment logs.
	Name() string
	// IsSupportedEvent must be cheap and side-effect free.
	IsSupportedEvent(u *Update) bool
	// EstimatedPrice is the price in cents charged before OnEvent runs.
	EstimatedPrice(u *Update) int64
	// OnEvent does the work. On failure it either returns an error or calls
	// refund; the dispatcher refunds at most once either way.
	OnEvent(ctx context.Context, u *Update, refund RefundFunc) (Result, error)
}

// Result tells the dispatcher what to do after a module ran.
type Result struct {
	// Next lets the following supported module handle the same update.
	Next bool
}

// RefundFunc returns the charge taken for the current module.
type RefundFunc func(reason string)

// Stop is the common result: no fallthrough.
var Stop = Result{}

// Continue lets the next supported module run.
var Continue = Result{Next: true}
