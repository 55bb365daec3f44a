// Package domain holds the ledger's entities, its pure decision rules (FEFO
// allocation, compliance gating, audit chaining) and the persistence ports
// the stores implement.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SaleClass is the regulatory sale classification of a product.
type SaleClass string

const (
	ClassFreeSale     SaleClass = "venta_libre"
	ClassPrescription SaleClass = "con_receta"
	ClassControlled   SaleClass = "controlado"
)

// Valid reports whether c is a known classification.
func (c SaleClass) Valid() bool {
	switch c {
	case ClassFreeSale, ClassPrescription, ClassControlled:
		return true
	}
	return false
}

// RequiresPrescription reports whether dispensing needs a prescription line.
func (c SaleClass) RequiresPrescription() bool {
	return c == ClassPrescription || c == ClassControlled
}

// Status is shared by lots and sanitary certificates.
type Status string

const (
	StatusActive  Status = "vigente"
	StatusExpired Status = "vencido"
)

// Direction of a stock movement.
type Direction string

const (
	DirectionIn  Direction = "entrada"
	DirectionOut Direction = "salida"
)

// MovementReason refines a direction.
type MovementReason string

const (
	ReasonReceipt    MovementReason = "recepcion"
	ReasonDispense   MovementReason = "dispensacion"
	ReasonWriteOff   MovementReason = "baja"
	ReasonAdjustment MovementReason = "ajuste"
)

// Product is a catalog entry. CurrentStock is a cache of the sum of the
// quantities of its non-expired lots and is only written by the ledger.
type Product struct {
	ID               string          `db:"id" json:"id"`
	Code             string          `db:"codigo" json:"code"`
	Name             string          `db:"nombre" json:"name"`
	Description      *string         `db:"descripcion" json:"description,omitempty"`
	Classification   SaleClass       `db:"clasificacion" json:"classification"`
	CurrentStock     int             `db:"stock" json:"current_stock"`
	ReorderThreshold int             `db:"stock_minimo" json:"reorder_threshold"`
	UnitCost         decimal.Decimal `db:"costo_unitario" json:"unit_cost"`
	UnitPrice        decimal.Decimal `db:"precio_venta" json:"unit_price"`
	Supplier         *string         `db:"proveedor" json:"supplier,omitempty"`
	LeadTimeDays     int             `db:"dias_entrega" json:"lead_time_days"`
	IsActive         bool            `db:"activo" json:"is_active"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Lot is a dated batch of one product. Lots are never deleted; a lot whose
// quantity reaches zero stays as history.
type Lot struct {
	ID              int64     `db:"id" json:"id"`
	ProductID       string    `db:"producto_id" json:"product_id"`
	LotNumber       string    `db:"numero_lote" json:"lot_number"`
	ManufactureDate time.Time `db:"fecha_fabricacion" json:"manufacture_date"`
	ExpiryDate      time.Time `db:"fecha_vencimiento" json:"expiry_date"`
	Quantity        int       `db:"cantidad" json:"quantity"`
	Status          Status    `db:"estado" json:"status"`
	ReceivedAt      time.Time `db:"fecha_ingreso" json:"received_at"`
}

// ExpiredAt reports whether the lot's expiry date lies before asOf's calendar day.
// The expiry date itself is the last usable day.
func (l *Lot) ExpiredAt(asOf time.Time) bool {
	return l.ExpiryDate.Before(DateOf(asOf))
}

// Allocatable reports whether FEFO may draw from the lot.
func (l *Lot) Allocatable(asOf time.Time) bool {
	return l.Status == StatusActive && l.Quantity > 0 && !l.ExpiredAt(asOf)
}

// Certificate is a sanitary registration (registro sanitario) of a product.
type Certificate struct {
	ID                 string    `db:"id" json:"id"`
	ProductID          string    `db:"producto_id" json:"product_id"`
	RegistrationNumber string    `db:"numero_registro" json:"registration_number"`
	Authority          string    `db:"entidad_emisora" json:"authority"`
	IssueDate          time.Time `db:"fecha_emision" json:"issue_date"`
	ExpiryDate         time.Time `db:"fecha_vencimiento" json:"expiry_date"`
	Status             Status    `db:"estado" json:"status"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
}

// ExpiredAt treats a certificate flagged vencido as expired regardless of date.
func (c *Certificate) ExpiredAt(asOf time.Time) bool {
	return c.Status == StatusExpired || c.ExpiryDate.Before(DateOf(asOf))
}

// Prescription authorizes dispensing of its lines. Dispensed quantities are
// derived from committed movements, never stored on the line.
type Prescription struct {
	ID            string             `db:"id" json:"id"`
	PatientRef    string             `db:"paciente" json:"patient_ref"`
	PrescriberRef string             `db:"medico" json:"prescriber_ref"`
	EmittedOn     time.Time          `db:"fecha_emision" json:"emitted_on"`
	ExpiresOn     *time.Time         `db:"fecha_vencimiento" json:"expires_on,omitempty"`
	VoidedAt      *time.Time         `db:"anulada_en" json:"voided_at,omitempty"`
	VoidReason    *string            `db:"motivo_anulacion" json:"void_reason,omitempty"`
	CreatedAt     time.Time          `db:"created_at" json:"created_at"`
	Lines         []PrescriptionLine `db:"-" json:"lines"`
}

// ExpiredAt reports expiry as of asOf. A prescription without expiry never expires.
func (p *Prescription) ExpiredAt(asOf time.Time) bool {
	return p.ExpiresOn != nil && p.ExpiresOn.Before(DateOf(asOf))
}

// Voided reports whether the prescription was annulled.
func (p *Prescription) Voided() bool {
	return p.VoidedAt != nil
}

// Line returns the line for productID.
func (p *Prescription) Line(productID string) (*PrescriptionLine, bool) {
	for i := range p.Lines {
		if p.Lines[i].ProductID == productID {
			return &p.Lines[i], true
		}
	}
	return nil, false
}

// PrescriptionLine is one authorized product of a prescription (receta_detalle).
type PrescriptionLine struct {
	ID                 string `db:"id" json:"id"`
	PrescriptionID     string `db:"receta_id" json:"prescription_id"`
	Position           int    `db:"posicion" json:"position"`
	ProductID          string `db:"producto_id" json:"product_id"`
	ProductCode        string `db:"codigo" json:"product_code"`
	AuthorizedQuantity int    `db:"cantidad" json:"authorized_quantity"`
}

// Allocation is the quantity a movement takes from, or adds to, one lot.
type Allocation struct {
	LotID      int64     `db:"lote_id" json:"lot_id"`
	LotNumber  string    `db:"numero_lote" json:"lot_number"`
	ExpiryDate time.Time `db:"fecha_vencimiento" json:"expiry_date"`
	Quantity   int       `db:"cantidad" json:"quantity"`
}

// Movement is an immutable stock change. Corrections are compensating movements.
type Movement struct {
	ID             string              `db:"id" json:"id"`
	Sequence       int64               `db:"secuencia" json:"sequence"`
	ProductID      string              `db:"producto_id" json:"product_id"`
	ProductCode    string              `db:"codigo" json:"product_code"`
	Direction      Direction           `db:"tipo" json:"direction"`
	Reason         MovementReason      `db:"motivo" json:"reason"`
	Quantity       int                 `db:"cantidad" json:"quantity"`
	UnitPrice      decimal.NullDecimal `db:"precio_unitario" json:"unit_price"`
	Responsible    string              `db:"responsable" json:"responsible"`
	PrescriptionID *string             `db:"receta_id" json:"prescription_id,omitempty"`
	UserID         *string             `db:"usuario_id" json:"user_id,omitempty"`
	Note           *string             `db:"observacion" json:"note,omitempty"`
	OccurredAt     time.Time           `db:"fecha" json:"occurred_at"`
	Allocations    []Allocation        `db:"-" json:"allocations"`
}

// Signed returns the quantity with the sign of the direction.
func (m *Movement) Signed() int {
	if m.Direction == DirectionOut {
		return -m.Quantity
	}
	return m.Quantity
}

// AuditRecord is the controlled-substance register entry paired with a movement.
// Entries are numbered per product and chained by hash.
type AuditRecord struct {
	ID             string    `db:"id" json:"id"`
	MovementID     string    `db:"movimiento_id" json:"movement_id"`
	ProductID      string    `db:"producto_id" json:"product_id"`
	EntryNumber    int       `db:"numero_entrada" json:"entry_number"`
	Action         string    `db:"accion" json:"action"`
	Quantity       int       `db:"cantidad" json:"quantity"`
	Balance        int       `db:"saldo" json:"balance"`
	PrescriptionID *string   `db:"receta_id" json:"prescription_id,omitempty"`
	UserID         string    `db:"usuario_id" json:"user_id"`
	RecordedAt     time.Time `db:"fecha" json:"recorded_at"`
	PrevHash       string    `db:"hash_anterior" json:"prev_hash"`
	Hash           string    `db:"hash" json:"hash"`
}

// User is the locally cached identity used to validate acting-user references.
type User struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"nombre" json:"name"`
	Email     string    `db:"email" json:"email"`
	Role      string    `db:"rol" json:"role"`
	IsActive  bool      `db:"activo" json:"is_active"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StockLevel is a product with its stock derived from lots as of an instant.
type StockLevel struct {
	Product   Product
	Available int
}

// MovementFilter narrows movement history queries.
type MovementFilter struct {
	From      *time.Time
	To        *time.Time
	Direction *Direction
	Limit     int
	Offset    int
}

// MovementTotals sums movement quantities of one product.
type MovementTotals struct {
	In  int `db:"total_in"`
	Out int `db:"total_out"`
}
