package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spok95/club-crm/internal/domain/audit"
	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/memberships"
)

// ProviderSession — авторитетное состояние сессии у платёжного провайдера.
type ProviderSession struct {
	ID              string
	PaymentIntentID string
	Paid            bool
	AmountCents     int64
	MembershipID    int64
}

// Provider — клиент провайдера. Проверка без побочных эффектов: транзакция
// записи открывается только после успешного подтверждения.
type Provider interface {
	VerifySession(ctx context.Context, sessionID string) (*ProviderSession, error)
}

// Tx — операции сверки внутри одной транзакции. Чтение платежа и членства
// блокирующее: из двух конкурентных сверок одной сессии вторая видит
// закоммиченный результат первой.
type Tx interface {
	PaymentBySession(ctx context.Context, sessionID string) (*Payment, error)
	MarkSucceeded(ctx context.Context, paymentID int64, chargeID string, at time.Time) error
	InsertPayment(ctx context.Context, p *Payment) (int64, error)
	Membership(ctx context.Context, id int64) (*memberships.Membership, error)
	Activate(ctx context.Context, membershipID int64, at time.Time) error
	PrimaryMember(ctx context.Context, householdID int64) (*households.Member, error)
	AssignNumber(ctx context.Context, memberID int64) (int, error)
	SetHouseholdName(ctx context.Context, householdID int64, name string) error
}

type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Notifier — необязательный канал оповещения админов.
type Notifier interface {
	Activated(membershipID int64, number int, trigger Trigger)
	Anomaly(text string)
}

type Reconciler struct {
	store         Store
	provider      Provider
	rec           audit.Recorder
	notify        Notifier
	verifyTimeout time.Duration
	log           *slog.Logger
}

func NewReconciler(store Store, provider Provider, rec audit.Recorder, notify Notifier, verifyTimeout time.Duration, log *slog.Logger) *Reconciler {
	if verifyTimeout <= 0 {
		verifyTimeout = 10 * time.Second
	}
	return &Reconciler{store: store, provider: provider, rec: rec, notify: notify, verifyTimeout: verifyTimeout, log: log}
}

type outcome struct {
	alreadyDone bool
	activated   bool
	anomaly     string
	number      int
	membership  int64
}

// Reconcile — единственная точка превращения внешнего подтверждения оплаты в
// активацию. Вебхук и возврат из браузера зовут только её; безопасна при
// повторных и конкурентных вызовах по одной сессии.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string, membershipID int64, trigger Trigger) error {
	// 1. Не верим триггеру на слово: переспрашиваем провайдера.
	vctx, cancel := context.WithTimeout(ctx, r.verifyTimeout)
	defer cancel()
	sess, err := r.provider.VerifySession(vctx, sessionID)
	if err != nil {
		return fmt.Errorf("verify session %s: %w", sessionID, err)
	}
	if !sess.Paid {
		r.log.Warn("reconcile called for unpaid session", "session_id", sessionID, "trigger", trigger)
		return ErrNotConfirmed
	}
	if membershipID == 0 {
		membershipID = sess.MembershipID
	}
	if sess.MembershipID != 0 && sess.MembershipID != membershipID {
		return ErrSessionMismatch
	}

	var out outcome
	out.membership = membershipID
	err = r.store.WithinTx(ctx, func(tx Tx) error {
		return r.reconcileTx(ctx, tx, sess, membershipID, &out)
	})
	if err != nil {
		return err
	}
	r.report(ctx, out, trigger)
	return nil
}

func (r *Reconciler) reconcileTx(ctx context.Context, tx Tx, sess *ProviderSession, membershipID int64, out *outcome) error {
	// 2. Идемпотентность по сессии: уже SUCCEEDED — выходим без записей.
	p, err := tx.PaymentBySession(ctx, sess.ID)
	if err != nil {
		return err
	}
	if p != nil && p.Status == StatusSucceeded {
		out.alreadyDone = true
		return nil
	}

	now := time.Now().UTC()
	// 3. PENDING → SUCCEEDED, либо прямая вставка, если вебхук пришёл раньше
	// записи о создании сессии.
	if p != nil {
		if err := tx.MarkSucceeded(ctx, p.ID, sess.PaymentIntentID, now); err != nil {
			return err
		}
	} else {
		charge := sess.PaymentIntentID
		sid := sess.ID
		_, err := tx.InsertPayment(ctx, &Payment{
			MembershipID:      membershipID,
			AmountCents:       sess.AmountCents,
			Method:            MethodStripe,
			ExternalSessionID: &sid,
			ExternalChargeID:  &charge,
			Status:            StatusSucceeded,
			PaidAt:            &now,
		})
		if err != nil {
			return err
		}
	}

	// 4. Членство могли успеть удалить между созданием сессии и подтверждением.
	m, err := tx.Membership(ctx, membershipID)
	if err != nil {
		return err
	}
	if m == nil {
		out.anomaly = fmt.Sprintf("payment succeeded but membership %d is gone", membershipID)
		return nil
	}
	if !m.Status.Payable() {
		out.anomaly = fmt.Sprintf("payment succeeded but membership %d is %s", membershipID, m.Status)
		return nil
	}

	// 5. Активация: статус, номер, имя домохозяйства — в этой же транзакции.
	n, err := r.activateTx(ctx, tx, m, now)
	if err != nil {
		return err
	}
	out.activated = true
	out.number = n
	return nil
}

func (r *Reconciler) activateTx(ctx context.Context, tx Tx, m *memberships.Membership, now time.Time) (int, error) {
	if err := tx.Activate(ctx, m.ID, now); err != nil {
		return 0, err
	}
	p, err := tx.PrimaryMember(ctx, m.HouseholdID)
	if err != nil {
		return 0, err
	}
	n, err := tx.AssignNumber(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	name := fmt.Sprintf("%s №%d", p.LastName, n)
	if err := tx.SetHouseholdName(ctx, m.HouseholdID, name); err != nil {
		return 0, err
	}
	return n, nil
}

// RecordManual — наличные/чек от админа: деньги уже физически подтверждены,
// внешней проверки нет, путь активации тот же.
func (r *Reconciler) RecordManual(ctx context.Context, membershipID int64, method Method, amountCents int64, actorID *int64) error {
	if method != MethodCash && method != MethodCheck {
		return ErrUnknownMethod
	}
	var out outcome
	out.membership = membershipID
	err := r.store.WithinTx(ctx, func(tx Tx) error {
		m, err := tx.Membership(ctx, membershipID)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrMembershipGone
		}
		if !m.Status.Payable() {
			return ErrNotPayable
		}
		// Точное совпадение суммы; молча не подгоняем.
		if amountCents != m.PriceCents {
			return ErrAmountMismatch
		}
		now := time.Now().UTC()
		if _, err := tx.InsertPayment(ctx, &Payment{
			MembershipID: membershipID,
			AmountCents:  amountCents,
			Method:       method,
			Status:       StatusSucceeded,
			PaidAt:       &now,
		}); err != nil {
			return err
		}
		n, err := r.activateTx(ctx, tx, m, now)
		if err != nil {
			return err
		}
		out.activated = true
		out.number = n
		return nil
	})
	if err != nil {
		return err
	}
	r.audit(ctx, audit.Entry{
		ActorID: actorID, Action: audit.ActionPaymentRecorded,
		SubjectType: "membership", SubjectID: membershipID,
		Detail: fmt.Sprintf("method=%s amount_cents=%d", method, amountCents),
	})
	r.report(ctx, out, TriggerManual)
	return nil
}

// report пишет журнал и шлёт оповещения после коммита. Повторная сверка
// (alreadyDone) не оставляет ни записей, ни дублей в журнале.
func (r *Reconciler) report(ctx context.Context, out outcome, trigger Trigger) {
	switch {
	case out.alreadyDone:
		r.log.Debug("reconcile no-op, session already settled", "membership_id", out.membership, "trigger", trigger)
	case out.anomaly != "":
		r.audit(ctx, audit.Entry{
			Action:      audit.ActionPaymentAnomaly,
			SubjectType: "membership", SubjectID: out.membership,
			Detail: out.anomaly,
		})
		r.log.Warn("payment anomaly", "membership_id", out.membership, "detail", out.anomaly, "trigger", trigger)
		if r.notify != nil {
			r.notify.Anomaly(out.anomaly)
		}
	case out.activated:
		r.audit(ctx, audit.Entry{
			Action:      audit.ActionActivated,
			SubjectType: "membership", SubjectID: out.membership,
			Detail: fmt.Sprintf("trigger=%s member_number=%d", trigger, out.number),
		})
		r.log.Info("membership activated", "membership_id", out.membership, "member_number", out.number, "trigger", trigger)
		if r.notify != nil {
			r.notify.Activated(out.membership, out.number, trigger)
		}
	}
}

func (r *Reconciler) audit(ctx context.Context, e audit.Entry) {
	if err := r.rec.Record(ctx, e); err != nil {
		r.log.Error("audit write failed", "action", e.Action, "err", err)
	}
}
