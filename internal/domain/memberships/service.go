package memberships

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spok95/club-crm/internal/domain/audit"
	"github.com/Spok95/club-crm/internal/domain/households"
	"github.com/Spok95/club-crm/internal/domain/pricing"
	"github.com/Spok95/club-crm/internal/domain/years"
)

// Tx — операции, доступные внутри транзакции зачисления. Блокировка строки
// года уже взята: конкурентные зачисления одного года сериализованы.
type Tx interface {
	Year(ctx context.Context, yearID int64) (*years.Year, error)
	CountOccupying(ctx context.Context, yearID int64) (int, error)
	PrimaryMember(ctx context.Context, householdID int64) (*households.Member, error)
	HasMembership(ctx context.Context, householdID, yearID int64) (bool, error)
	InsertMembership(ctx context.Context, m *Membership) (int64, error)
}

type Store interface {
	// WithYearLock открывает транзакцию, берёт SELECT ... FOR UPDATE по строке
	// года и держит блокировку до коммита/отката.
	WithYearLock(ctx context.Context, yearID int64, fn func(tx Tx) error) error
	// CapacitySnapshot — неблокирующее чтение, только для показа.
	CapacitySnapshot(ctx context.Context, yearID int64) (Capacity, error)
	ByHouseholdYear(ctx context.Context, householdID, yearID int64) (*Membership, error)
	MarkRemoved(ctx context.Context, id int64, reason RemovalReason, notes string) error
	// LapseDue одним запросом переводит просроченные PENDING_RENEWAL в LAPSED
	// и возвращает затронутые членства.
	LapseDue(ctx context.Context, asOf time.Time) ([]Membership, error)
	ActiveInYear(ctx context.Context, yearID int64) ([]Membership, error)
	SetTier(ctx context.Context, membershipID, tierID int64) error
}

type Service struct {
	store  Store
	prices pricing.Table
	rec    audit.Recorder
	log    *slog.Logger
}

func NewService(store Store, prices pricing.Table, rec audit.Recorder, log *slog.Logger) *Service {
	return &Service{store: store, prices: prices, rec: rec, log: log}
}

// Enroll создаёт членство NEW_PENDING. Проверка лимита и вставка строки идут
// под одной блокировкой года: два одновременных зачисления на последнее место
// не пройдут оба.
func (s *Service) Enroll(ctx context.Context, householdID, yearID int64, actorID *int64) (*Membership, error) {
	var created *Membership
	err := s.store.WithYearLock(ctx, yearID, func(tx Tx) error {
		y, err := tx.Year(ctx, yearID)
		if err != nil {
			return err
		}
		if y == nil {
			return ErrYearNotFound
		}

		exists, err := tx.HasMembership(ctx, householdID, yearID)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyEnrolled
		}

		occupied, err := tx.CountOccupying(ctx, yearID)
		if err != nil {
			return err
		}
		if occupied >= y.Cap {
			return &CapacityError{Occupied: occupied, Cap: y.Cap}
		}

		p, err := tx.PrimaryMember(ctx, householdID)
		if err != nil {
			return err
		}

		cents, cat := s.prices.Quote(p.DateOfBirth, p.VeteranDisabled, y.Year)
		m := &Membership{
			HouseholdID:      householdID,
			YearID:           yearID,
			Status:           StatusNewPending,
			PriceCents:       cents,
			DiscountCategory: cat,
		}
		id, err := tx.InsertMembership(ctx, m)
		if err != nil {
			return err
		}
		m.ID = id
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, audit.Entry{
		ActorID: actorID, Action: audit.ActionEnrolled,
		SubjectType: "membership", SubjectID: created.ID,
		Detail: fmt.Sprintf("year_id=%d price_cents=%d category=%s", yearID, created.PriceCents, created.DiscountCategory),
	})
	s.log.Info("membership enrolled", "membership_id", created.ID, "household_id", householdID, "year_id", yearID)
	return created, nil
}

func (s *Service) CapacitySnapshot(ctx context.Context, yearID int64) (Capacity, error) {
	return s.store.CapacitySnapshot(ctx, yearID)
}

// Remove переводит членство текущего года в REMOVED. Повторное удаление —
// бизнес-отказ, а не no-op: пусть оператор увидит свою ошибку.
func (s *Service) Remove(ctx context.Context, householdID, yearID int64, reason RemovalReason, notes string, actorID *int64) error {
	if !reason.Valid() {
		return ErrInvalidReason
	}
	m, err := s.store.ByHouseholdYear(ctx, householdID, yearID)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrMembershipNotFound
	}
	if m.Status == StatusRemoved {
		return ErrAlreadyRemoved
	}
	if !CanTransition(m.Status, StatusRemoved) {
		return ErrBadTransition
	}
	if err := s.store.MarkRemoved(ctx, m.ID, reason, notes); err != nil {
		return err
	}
	s.audit(ctx, audit.Entry{
		ActorID: actorID, Action: audit.ActionRemoved,
		SubjectType: "membership", SubjectID: m.ID,
		Detail: fmt.Sprintf("reason=%s notes=%q", reason, notes),
	})
	s.log.Info("membership removed", "membership_id", m.ID, "reason", reason)
	return nil
}

// SweepLapsed — плановый проход: просроченные PENDING_RENEWAL → LAPSED,
// по одной записи журнала на членство.
func (s *Service) SweepLapsed(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := s.store.LapseDue(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, m := range lapsed {
		s.audit(ctx, audit.Entry{
			Action:      audit.ActionLapsed,
			SubjectType: "membership", SubjectID: m.ID,
			Detail: fmt.Sprintf("year_id=%d", m.YearID),
		})
	}
	if len(lapsed) > 0 {
		s.log.Info("renewal sweep complete", "lapsed", len(lapsed))
	}
	return len(lapsed), nil
}

// SeedRenewals сеет PENDING_RENEWAL в новом году из ACTIVE предыдущего.
// Сначала пакетная проверка остатка, затем та же поштучная проверка лимита,
// что и у обычного зачисления.
func (s *Service) SeedRenewals(ctx context.Context, newYearID, priorYearID int64, actorID *int64) (int, error) {
	active, err := s.store.ActiveInYear(ctx, priorYearID)
	if err != nil {
		return 0, err
	}
	if len(active) == 0 {
		return 0, nil
	}

	snap, err := s.store.CapacitySnapshot(ctx, newYearID)
	if err != nil {
		return 0, err
	}
	if snap.Available() < len(active) {
		return 0, &CapacityError{Occupied: snap.Occupied, Cap: snap.Cap}
	}

	seeded := 0
	for _, prev := range active {
		var created *Membership
		err := s.store.WithYearLock(ctx, newYearID, func(tx Tx) error {
			y, err := tx.Year(ctx, newYearID)
			if err != nil {
				return err
			}
			if y == nil {
				return ErrYearNotFound
			}
			exists, err := tx.HasMembership(ctx, prev.HouseholdID, newYearID)
			if err != nil {
				return err
			}
			if exists {
				return ErrAlreadyEnrolled
			}
			occupied, err := tx.CountOccupying(ctx, newYearID)
			if err != nil {
				return err
			}
			if occupied >= y.Cap {
				return &CapacityError{Occupied: occupied, Cap: y.Cap}
			}
			p, err := tx.PrimaryMember(ctx, prev.HouseholdID)
			if err != nil {
				return err
			}
			cents, cat := s.prices.Quote(p.DateOfBirth, p.VeteranDisabled, y.Year)
			m := &Membership{
				HouseholdID:      prev.HouseholdID,
				YearID:           newYearID,
				Status:           StatusPendingRenewal,
				PriceCents:       cents,
				DiscountCategory: cat,
			}
			id, err := tx.InsertMembership(ctx, m)
			if err != nil {
				return err
			}
			m.ID = id
			created = m
			return nil
		})
		if err == ErrAlreadyEnrolled {
			continue
		}
		if err != nil {
			return seeded, err
		}
		seeded++
		s.audit(ctx, audit.Entry{
			ActorID: actorID, Action: audit.ActionRenewalSeeded,
			SubjectType: "membership", SubjectID: created.ID,
			Detail: fmt.Sprintf("from_year_id=%d", priorYearID),
		})
	}
	s.log.Info("renewals seeded", "count", seeded, "year_id", newYearID)
	return seeded, nil
}

// AssignTier вешает тариф на заявку до активации.
func (s *Service) AssignTier(ctx context.Context, membershipID, tierID int64, actorID *int64) error {
	if err := s.store.SetTier(ctx, membershipID, tierID); err != nil {
		return err
	}
	s.audit(ctx, audit.Entry{
		ActorID: actorID, Action: audit.ActionTierAssigned,
		SubjectType: "membership", SubjectID: membershipID,
		Detail: fmt.Sprintf("tier_id=%d", tierID),
	})
	return nil
}

func (s *Service) audit(ctx context.Context, e audit.Entry) {
	if err := s.rec.Record(ctx, e); err != nil {
		s.log.Error("audit write failed", "action", e.Action, "err", err)
	}
}
