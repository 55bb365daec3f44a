package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

// PrescriptionRegistry records prescriptions and answers how much of each
// line is still authorized.
type PrescriptionRegistry struct {
	store  domain.Store
	clock  clock.Clock
	logger *logger.Logger
}

// NewPrescriptionRegistry creates a new prescription registry
func NewPrescriptionRegistry(store domain.Store, clk clock.Clock, log *logger.Logger) *PrescriptionRegistry {
	return &PrescriptionRegistry{store: store, clock: clk, logger: log}
}

// Register stores a prescription. Lines name products by ProductCode;
// their IDs and positions are filled in here.
func (r *PrescriptionRegistry) Register(ctx context.Context, rx *domain.Prescription) error {
	details := map[string]string{}
	if strings.TrimSpace(rx.PatientRef) == "" {
		details["patient_ref"] = "is required"
	}
	if strings.TrimSpace(rx.PrescriberRef) == "" {
		details["prescriber_ref"] = "is required"
	}
	if len(rx.Lines) == 0 {
		details["lines"] = "must contain at least one line"
	}
	for i, line := range rx.Lines {
		if line.AuthorizedQuantity <= 0 {
			details[fmt.Sprintf("lines[%d].quantity", i)] = "must be greater than 0"
		}
		if strings.TrimSpace(line.ProductCode) == "" {
			details[fmt.Sprintf("lines[%d].product_code", i)] = "is required"
		}
	}
	if len(details) > 0 {
		return errors.Validation(details)
	}

	rx.EmittedOn = domain.DateOf(rx.EmittedOn)
	if rx.ExpiresOn != nil {
		exp := domain.DateOf(*rx.ExpiresOn)
		if exp.Before(rx.EmittedOn) {
			return domain.InvalidDateRange(rx.EmittedOn, exp)
		}
		rx.ExpiresOn = &exp
	}
	if rx.ID == "" {
		rx.ID = uuid.New().String()
	}
	rx.VoidedAt, rx.VoidReason = nil, nil
	rx.CreatedAt = r.clock.Now().UTC()

	err := r.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		for i := range rx.Lines {
			line := &rx.Lines[i]
			p, err := tx.Products().GetByCode(ctx, line.ProductCode)
			if err != nil {
				return err
			}
			line.ProductID = p.ID
			line.Position = i + 1
		}
		return tx.Prescriptions().Create(ctx, rx)
	})
	if err != nil {
		return err
	}

	r.logger.Info().Str("prescription_id", rx.ID).Int("lines", len(rx.Lines)).Msg("prescription registered")
	return nil
}

// Get gets a prescription with its lines
func (r *PrescriptionRegistry) Get(ctx context.Context, id string) (*domain.Prescription, error) {
	return r.store.Prescriptions().Get(ctx, id)
}

// RemainingAuthorized is the line's authorized quantity minus everything
// already dispensed against it.
func (r *PrescriptionRegistry) RemainingAuthorized(ctx context.Context, id, productCode string) (int, error) {
	rx, err := r.store.Prescriptions().Get(ctx, id)
	if err != nil {
		return 0, err
	}
	p, err := r.store.Products().GetByCode(ctx, productCode)
	if err != nil {
		return 0, err
	}
	return remainingOn(ctx, r.store, rx, p)
}

// remainingOn computes the remaining authorization on the repositories given,
// so the engine gets a value consistent with its unit of work.
func remainingOn(ctx context.Context, repos domain.Repositories, rx *domain.Prescription, p *domain.Product) (int, error) {
	line, ok := rx.Line(p.ID)
	if !ok {
		return 0, domain.LineNotFound(rx.ID, p.Code)
	}
	dispensed, err := repos.Prescriptions().Dispensed(ctx, rx.ID, p.ID)
	if err != nil {
		return 0, err
	}
	return max(line.AuthorizedQuantity-dispensed, 0), nil
}

// IsExpired reports whether the prescription had expired as of asOf
func (r *PrescriptionRegistry) IsExpired(ctx context.Context, id string, asOf time.Time) (bool, error) {
	rx, err := r.store.Prescriptions().Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rx.ExpiredAt(asOf), nil
}

// Void annuls a prescription. Movements already dispensed against it stay.
func (r *PrescriptionRegistry) Void(ctx context.Context, id, reason string) (*domain.Prescription, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.Validation(map[string]string{"reason": "is required"})
	}

	var voided *domain.Prescription
	err := r.store.Execute(ctx, func(ctx context.Context, tx domain.Repositories) error {
		rx, err := tx.Prescriptions().Get(ctx, id)
		if err != nil {
			return err
		}
		if rx.Voided() {
			return domain.PrescriptionVoided(id)
		}
		at := r.clock.Now().UTC()
		if err := tx.Prescriptions().Void(ctx, id, at, reason); err != nil {
			return err
		}
		rx.VoidedAt, rx.VoidReason = &at, &reason
		voided = rx
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info().Str("prescription_id", id).Str("reason", reason).Msg("prescription voided")
	return voided, nil
}
