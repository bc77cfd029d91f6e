package payments

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Spok95/club-crm/internal/domain/billing"
	"github.com/Spok95/club-crm/internal/infra/metrics"
)

const maxWebhookBody = 1 << 20

const eventSessionCompleted = "checkout.session.completed"

// Handler обслуживает оба канала подтверждения. Логика одна — Reconcile;
// расхождение путей и есть главный источник двойных активаций.
type Handler struct {
	log    *slog.Logger
	client *Client
	rec    *billing.Reconciler
}

func NewHandler(log *slog.Logger, client *Client, rec *billing.Reconciler) *Handler {
	return &Handler{log: log, client: client, rec: rec}
}

// Webhook — push-канал. Провайдеру всегда отвечаем 200 на принятые события,
// иначе он будет передоставлять бесконечно; аномалии уходят в журнал.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ev, err := h.client.VerifyWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.log.Warn("webhook rejected", "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if ev.Type != eventSessionCompleted {
		w.WriteHeader(http.StatusOK)
		return
	}

	var membershipID int64
	if v, ok := ev.Data.Metadata["membership_id"]; ok {
		membershipID, _ = strconv.ParseInt(v, 10, 64)
	}

	if err := h.rec.Reconcile(r.Context(), ev.Data.SessionID, membershipID, billing.TriggerWebhook); err != nil {
		// Подтверждение принято, обработка не удалась: фиксируем для разбора,
		// но не провоцируем шторм redelivery.
		h.log.Error("webhook reconcile failed",
			"session_id", ev.Data.SessionID,
			"membership_id", membershipID,
			"err", err,
		)
		metrics.PaymentAnomalies.Inc()
	}
	w.WriteHeader(http.StatusOK)
}

// Return — poll-канал: браузер вернулся от провайдера. Флагу успеха из URL не
// верим, Reconcile сам переспросит провайдера.
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("missing session_id parameter"))
		return
	}

	err := h.rec.Reconcile(r.Context(), sessionID, 0, billing.TriggerPoll)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case err == nil:
		_, _ = fmt.Fprint(w, "<html><body><h1>Оплата прошла</h1><p>Членство активировано. Спасибо!</p></body></html>")
	case errors.Is(err, billing.ErrNotConfirmed):
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprint(w, "<html><body><h1>Оплата не подтверждена</h1><p>Если вы оплатили, статус обновится автоматически.</p></body></html>")
	default:
		h.log.Error("return reconcile failed", "session_id", sessionID, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, "<html><body><h1>Ошибка</h1><p>Попробуйте обновить страницу позже.</p></body></html>")
	}
}
