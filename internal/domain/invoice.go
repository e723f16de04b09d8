package domain

import "time"

// InvoiceStatus tracks a fiat top-up through its lifecycle.
type InvoiceStatus string

const (
	InvoiceInit    InvoiceStatus = "init"
	InvoicePending InvoiceStatus = "pending"
	InvoiceFail    InvoiceStatus = "fail"
	InvoiceSuccess InvoiceStatus = "success"
)

// Terminal reports whether no further transition is allowed.
func (s InvoiceStatus) Terminal() bool {
	return s == InvoiceSuccess || s == InvoiceFail
}

// Invoice is a single /deposit attempt. Amount is in cents.
type Invoice struct {
	UUID                    string        `bson:"uuid" json:"uuid"`
	OwnerID                 int64         `bson:"owner_id" json:"owner_id"`
	AccountID               int64         `bson:"account_id" json:"account_id"`
	Currency                string        `bson:"currency" json:"currency"`
	ItemID                  string        `bson:"item_id" json:"item_id"`
	Amount                  int64         `bson:"amount" json:"amount"`
	TelegramPaymentChargeID string        `bson:"telegram_payment_charge_id,omitempty" json:"telegram_payment_charge_id,omitempty"`
	ProviderPaymentChargeID string        `bson:"provider_payment_charge_id,omitempty" json:"provider_payment_charge_id,omitempty"`
	Status                  InvoiceStatus `bson:"status" json:"status"`
	CreatedAt               time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt               time.Time     `bson:"updated_at" json:"updated_at"`
}

// ChargeRefs are the processor references attached to a paid invoice.
type ChargeRefs struct {
	TelegramPaymentChargeID string
	ProviderPaymentChargeID string
}
