// Package events publishes ledger facts to the pharmacy.ledger exchange.
package events

import (
	"context"
	"time"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
	"github.com/medflow/pharmacy-ledger/pkg/messaging"
)

// ServiceName is the source stamped on every published event.
const ServiceName = "ledger-service"

// LedgerEventPublisher publishes ledger events. A nil publisher drops
// everything, so services run unchanged without a broker. Publishing is best
// effort: failures are logged and never reach the caller.
type LedgerEventPublisher struct {
	publisher messaging.EventPublisher
	logger    *logger.Logger
}

// NewLedgerEventPublisher creates a publisher on the RabbitMQ connection
func NewLedgerEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*LedgerEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeLedgerEvents, ServiceName, log)
	if err != nil {
		return nil, err
	}
	return NewWithPublisher(publisher, log), nil
}

// NewWithPublisher wraps an existing EventPublisher
func NewWithPublisher(publisher messaging.EventPublisher, log *logger.Logger) *LedgerEventPublisher {
	return &LedgerEventPublisher{publisher: publisher, logger: log}
}

// PublishMovementCommitted publishes a committed movement with its lot allocations
func (p *LedgerEventPublisher) PublishMovementCommitted(ctx context.Context, m *domain.Movement, auditID string, stockAfter int) {
	if p == nil {
		return
	}

	allocations := make([]messaging.AllocationPayload, len(m.Allocations))
	for i, a := range m.Allocations {
		allocations[i] = messaging.AllocationPayload{
			LotID:      a.LotID,
			LotNumber:  a.LotNumber,
			ExpiryDate: a.ExpiryDate,
			Quantity:   a.Quantity,
		}
	}

	data := messaging.MovementCommittedEvent{
		MovementID:     m.ID,
		ProductCode:    m.ProductCode,
		Direction:      string(m.Direction),
		Reason:         string(m.Reason),
		Quantity:       m.Quantity,
		Allocations:    allocations,
		PrescriptionID: m.PrescriptionID,
		UserID:         m.UserID,
		AuditRecordID:  auditID,
		StockAfter:     stockAfter,
		OccurredAt:     m.OccurredAt,
	}

	if err := p.publisher.Publish(ctx, messaging.EventMovementCommitted, data); err != nil {
		p.logger.Error().Err(err).Str("movement_id", m.ID).Msg("failed to publish movement committed event")
	}
}

// PublishLotExpired publishes one event per lot flipped by the sweep
func (p *LedgerEventPublisher) PublishLotExpired(ctx context.Context, lot domain.Lot, asOf time.Time) {
	if p == nil {
		return
	}

	data := messaging.LotExpiredEvent{
		LotID:      lot.ID,
		LotNumber:  lot.LotNumber,
		ProductID:  lot.ProductID,
		Quantity:   lot.Quantity,
		ExpiryDate: lot.ExpiryDate,
		SweptAsOf:  asOf,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotExpired, data); err != nil {
		p.logger.Error().Err(err).Int64("lot_id", lot.ID).Msg("failed to publish lot expired event")
	}
}

// PublishLowStock publishes a low stock alert
func (p *LedgerEventPublisher) PublishLowStock(ctx context.Context, data messaging.LowStockAlertEvent) {
	if p == nil {
		return
	}
	if err := p.publisher.Publish(ctx, messaging.EventLowStockAlert, data); err != nil {
		p.logger.Error().Err(err).Str("product_code", data.ProductCode).Msg("failed to publish low stock alert")
	}
}

// PublishExpiring publishes an expiring lot alert
func (p *LedgerEventPublisher) PublishExpiring(ctx context.Context, data messaging.ExpiringAlertEvent) {
	if p == nil {
		return
	}
	if err := p.publisher.Publish(ctx, messaging.EventExpiringAlert, data); err != nil {
		p.logger.Error().Err(err).Int64("lot_id", data.LotID).Msg("failed to publish expiring alert")
	}
}
