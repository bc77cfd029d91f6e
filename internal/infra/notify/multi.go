package notify

import (
	"github.com/Spok95/club-crm/internal/domain/billing"
	"github.com/Spok95/club-crm/internal/infra/metrics"
)

// Multi раздаёт события всем получателям; nil-получатели пропускаются.
type Multi []billing.Notifier

func (m Multi) Activated(membershipID int64, number int, trigger billing.Trigger) {
	for _, n := range m {
		if n != nil {
			n.Activated(membershipID, number, trigger)
		}
	}
}

func (m Multi) Anomaly(text string) {
	for _, n := range m {
		if n != nil {
			n.Anomaly(text)
		}
	}
}

// Meter — получатель, который только крутит счётчики.
type Meter struct{}

func (Meter) Activated(_ int64, _ int, trigger billing.Trigger) {
	metrics.Activations.WithLabelValues(string(trigger)).Inc()
}

func (Meter) Anomaly(string) {
	metrics.PaymentAnomalies.Inc()
}
