package domain

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// AuditActionFor labels a register entry after the movement it records.
func AuditActionFor(m *Movement) string {
	if m.Direction == DirectionIn {
		return string(DirectionIn)
	}
	return string(m.Reason)
}

// NewAuditRecord builds the register entry that follows prev (nil for the
// first entry of a product) and seals it with its hash.
func NewAuditRecord(id string, m *Movement, balance int, prev *AuditRecord) *AuditRecord {
	rec := &AuditRecord{
		ID:             id,
		MovementID:     m.ID,
		ProductID:      m.ProductID,
		EntryNumber:    1,
		Action:         AuditActionFor(m),
		Quantity:       m.Quantity,
		Balance:        balance,
		PrescriptionID: m.PrescriptionID,
		RecordedAt:     m.OccurredAt,
	}
	if m.UserID != nil {
		rec.UserID = *m.UserID
	}
	if prev != nil {
		rec.EntryNumber = prev.EntryNumber + 1
		rec.PrevHash = prev.Hash
	}
	rec.Hash = AuditHash(rec)
	return rec
}

// AuditHash is BLAKE2b-256 over the previous hash and the record's fields.
func AuditHash(r *AuditRecord) string {
	rx := ""
	if r.PrescriptionID != nil {
		rx = *r.PrescriptionID
	}
	fields := []string{
		r.PrevHash,
		r.ID,
		r.MovementID,
		r.ProductID,
		strconv.Itoa(r.EntryNumber),
		r.Action,
		strconv.Itoa(r.Quantity),
		strconv.Itoa(r.Balance),
		rx,
		r.UserID,
		r.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
	sum := blake2b.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// VerifyAuditChain checks a product's register in entry order. It returns the
// ID of the first record whose hash or link is wrong, or "" when intact.
func VerifyAuditChain(records []AuditRecord) string {
	prev := ""
	for i := range records {
		r := &records[i]
		if r.PrevHash != prev || r.EntryNumber != i+1 || AuditHash(r) != r.Hash {
			return r.ID
		}
		prev = r.Hash
	}
	return ""
}
