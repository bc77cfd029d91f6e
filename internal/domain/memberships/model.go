package memberships

import (
	"errors"
	"fmt"
	"time"

	"github.com/Spok95/club-crm/internal/domain/pricing"
)

type Status string

const (
	StatusNewPending     Status = "NEW_PENDING"
	StatusPendingRenewal Status = "PENDING_RENEWAL"
	StatusActive         Status = "ACTIVE"
	StatusLapsed         Status = "LAPSED"
	StatusRemoved        Status = "REMOVED"
)

// Occupying — статус, занимающий место в лимите года. Заявки в полёте
// (NEW_PENDING) тоже занимают, иначе в окне оплаты возможен пересев.
func (s Status) Occupying() bool {
	switch s {
	case StatusActive, StatusPendingRenewal, StatusNewPending:
		return true
	}
	return false
}

// Payable — статус, в котором членство может принять оплату.
func (s Status) Payable() bool {
	return s == StatusNewPending || s == StatusPendingRenewal
}

// CanTransition — таблица легальных переходов. REMOVED терминален.
func CanTransition(from, to Status) bool {
	switch {
	case to == StatusActive:
		return from == StatusNewPending || from == StatusPendingRenewal
	case to == StatusLapsed:
		return from == StatusPendingRenewal
	case to == StatusRemoved:
		return from != StatusRemoved
	}
	return false
}

type RemovalReason string

const (
	RemovalNonPayment RemovalReason = "NON_PAYMENT"
	RemovalConduct    RemovalReason = "CONDUCT"
	RemovalRelocated  RemovalReason = "RELOCATED"
	RemovalDeceased   RemovalReason = "DECEASED"
	RemovalOther      RemovalReason = "OTHER"
)

func (r RemovalReason) Valid() bool {
	switch r {
	case RemovalNonPayment, RemovalConduct, RemovalRelocated, RemovalDeceased, RemovalOther:
		return true
	}
	return false
}

type Membership struct {
	ID               int64
	HouseholdID      int64
	YearID           int64
	Status           Status
	PriceCents       int64
	DiscountCategory pricing.Category
	TierID           *int64
	EnrolledAt       *time.Time
	LapsedAt         *time.Time
	RemovalReason    *RemovalReason
	RemovalNotes     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Capacity — снимок занятости года.
type Capacity struct {
	Occupied int
	Cap      int
}

func (c Capacity) Available() int { return c.Cap - c.Occupied }
func (c Capacity) Full() bool     { return c.Occupied >= c.Cap }

var (
	ErrYearNotFound       = errors.New("memberships: membership year not found")
	ErrMembershipNotFound = errors.New("memberships: membership not found")
	ErrAlreadyEnrolled    = errors.New("memberships: household already enrolled for this year")
	ErrAlreadyRemoved     = errors.New("memberships: membership already removed")
	ErrInvalidReason      = errors.New("memberships: invalid removal reason")
	ErrBadTransition      = errors.New("memberships: illegal status transition")
)

// CapacityError — отказ по лимиту; числа уходят в сообщение пользователю.
type CapacityError struct {
	Occupied int
	Cap      int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("memberships: membership is full (%d/%d)", e.Occupied, e.Cap)
}

// RosterRow — строка реестра года для выгрузки в Excel.
type RosterRow struct {
	MembershipID     int64
	HouseholdName    string
	PrimaryFirstName string
	PrimaryLastName  string
	MemberNumber     *int
	Status           Status
	PriceCents       int64
	DiscountCategory pricing.Category
	EnrolledAt       *time.Time
}
