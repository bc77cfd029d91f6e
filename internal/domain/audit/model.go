package audit

import (
	"context"
	"time"
)

// Entry — одна запись журнала. ActorID может быть nil (системные действия)
// и остаётся слабой ссылкой: запись переживает удаление актора.
type Entry struct {
	ID          int64
	At          time.Time
	ActorID     *int64
	Action      string
	SubjectType string
	SubjectID   int64
	Detail      string
}

// Recorder — сток журнала. Никаких бизнес-ограничений обратно в ядро не навязывает.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

const (
	ActionEnrolled          = "membership.enrolled"
	ActionActivated         = "membership.activated"
	ActionRemoved           = "membership.removed"
	ActionLapsed            = "membership.lapsed"
	ActionRenewalSeeded     = "membership.renewal_seeded"
	ActionPaymentRecorded   = "payment.recorded"
	ActionPaymentAnomaly    = "payment.anomaly"
	ActionYearCreated       = "year.created"
	ActionHouseholdPurged   = "household.purged"
	ActionTierAssigned      = "membership.tier_assigned"
)
