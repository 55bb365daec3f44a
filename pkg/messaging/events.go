package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Identity service user lifecycle, consumed
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"

	// Ledger events, published
	EventMovementCommitted = "ledger.movement.committed"
	EventLotExpired        = "ledger.lot.expired"
	EventLowStockAlert     = "ledger.alert.low_stock"
	EventExpiringAlert     = "ledger.alert.expiring"
)

// Exchanges
const (
	ExchangeUserEvents   = "user.events"
	ExchangeLedgerEvents = "pharmacy.ledger"
)

// Event is the envelope every message on the bus shares. Data holds the
// type-specific payload.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent wraps data in a fresh envelope stamped with a random ID.
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          payload,
	}, nil
}

// UnmarshalData decodes the payload into v.
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// User Events

// UserCreatedEvent is published by the identity service when a user is created
type UserCreatedEvent struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	RoleName  string `json:"role_name"`
}

// FullName is the display name the ledger copies into its user projection.
func (e *UserCreatedEvent) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// UserUpdatedEvent carries only the changed fields
type UserUpdatedEvent struct {
	UserID string         `json:"user_id"`
	Fields map[string]any `json:"fields"`
}

// UserDeletedEvent is published when a user is removed or deactivated
type UserDeletedEvent struct {
	UserID string `json:"user_id"`
}

// Ledger Events

// AllocationPayload is one lot touched by a movement
type AllocationPayload struct {
	LotID      int64     `json:"lot_id"`
	LotNumber  string    `json:"lot_number"`
	ExpiryDate time.Time `json:"expiry_date"`
	Quantity   int       `json:"quantity"`
}

// MovementCommittedEvent is published after a movement commits
type MovementCommittedEvent struct {
	MovementID     string              `json:"movement_id"`
	ProductCode    string              `json:"product_code"`
	Direction      string              `json:"direction"`
	Reason         string              `json:"reason"`
	Quantity       int                 `json:"quantity"`
	Allocations    []AllocationPayload `json:"allocations"`
	PrescriptionID *string             `json:"prescription_id,omitempty"`
	UserID         *string             `json:"user_id,omitempty"`
	AuditRecordID  string              `json:"audit_record_id,omitempty"`
	StockAfter     int                 `json:"stock_after"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// LotExpiredEvent is published when the sweep flips a lot to vencido
type LotExpiredEvent struct {
	LotID      int64     `json:"lot_id"`
	LotNumber  string    `json:"lot_number"`
	ProductID  string    `json:"product_id"`
	Quantity   int       `json:"quantity"`
	ExpiryDate time.Time `json:"expiry_date"`
	SweptAsOf  time.Time `json:"swept_as_of"`
}

// LowStockAlertEvent is published per product at or below its threshold
type LowStockAlertEvent struct {
	ProductCode       string  `json:"product_code"`
	ProductName       string  `json:"product_name"`
	Available         int     `json:"available"`
	Threshold         int     `json:"threshold"`
	SuggestedQuantity int     `json:"suggested_quantity"`
	Supplier          *string `json:"supplier,omitempty"`
}

// ExpiringAlertEvent is published per lot approaching expiry
type ExpiringAlertEvent struct {
	ProductCode   string    `json:"product_code"`
	LotID         int64     `json:"lot_id"`
	LotNumber     string    `json:"lot_number"`
	Quantity      int       `json:"quantity"`
	ExpiryDate    time.Time `json:"expiry_date"`
	DaysRemaining int       `json:"days_remaining"`
}
