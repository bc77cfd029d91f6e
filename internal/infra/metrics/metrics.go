package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Enrollments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "club_enrollments_total",
		Help: "Созданные членства NEW_PENDING.",
	})

	EnrollmentRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "club_enrollment_rejections_total",
		Help: "Отказы зачисления по лимиту года.",
	})

	Activations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "club_activations_total",
		Help: "Активации членств по каналу подтверждения.",
	}, []string{"trigger"})

	PaymentAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "club_payment_anomalies_total",
		Help: "Платёж подтверждён, но активация невозможна или обработка упала.",
	})

	SweepLapsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "club_sweep_lapsed_total",
		Help: "Членства, переведённые в LAPSED плановым проходом.",
	})
)
