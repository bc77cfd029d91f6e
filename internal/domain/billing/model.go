package billing

import (
	"errors"
	"time"
)

type Method string

const (
	MethodStripe Method = "STRIPE"
	MethodCash   Method = "CASH"
	MethodCheck  Method = "CHECK"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Payment — одна попытка оплаты членства. Ретраи дают несколько строк,
// но SUCCEEDED-триггер активации может быть только один.
type Payment struct {
	ID                int64
	MembershipID      int64
	AmountCents       int64
	Method            Method
	ExternalSessionID *string
	ExternalChargeID  *string
	Status            Status
	PaidAt            *time.Time
	CreatedAt         time.Time
}

// Trigger — путь, который привёл подтверждение оплаты.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerPoll    Trigger = "poll"
	TriggerManual  Trigger = "manual"
)

var (
	ErrNotPayable       = errors.New("billing: membership is not payable")
	ErrAmountMismatch   = errors.New("billing: amount does not match membership price")
	ErrNotConfirmed     = errors.New("billing: provider did not confirm payment")
	ErrUnknownMethod    = errors.New("billing: unknown payment method")
	ErrMembershipGone   = errors.New("billing: membership not found")
	ErrSessionMismatch  = errors.New("billing: session does not reference this membership")
)
