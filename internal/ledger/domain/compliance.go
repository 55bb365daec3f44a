package domain

import (
	"fmt"
	"time"

	"github.com/medflow/pharmacy-ledger/pkg/i18n"
)

// CertificatePolicy decides what an expired sanitary certificate does to a
// dispensing of a prescription-only or controlled product.
type CertificatePolicy string

const (
	CertificateEnforce CertificatePolicy = "enforce"
	CertificateWarn    CertificatePolicy = "warn"
	CertificateOff     CertificatePolicy = "off"
)

// ParseCertificatePolicy validates a configured policy name.
func ParseCertificatePolicy(s string) (CertificatePolicy, error) {
	switch p := CertificatePolicy(s); p {
	case CertificateEnforce, CertificateWarn, CertificateOff:
		return p, nil
	}
	return "", fmt.Errorf("unknown certificate policy %q", s)
}

// AuthorizationRequest is the snapshot the gate decides on. The caller loads
// it inside the same transaction that will apply the movement.
type AuthorizationRequest struct {
	Product         *Product
	Quantity        int
	PrescriptionRef *string
	// Prescription is the loaded PrescriptionRef, nil when none was given.
	Prescription *Prescription
	// Remaining is the authorized quantity still available on the line for
	// Product. Ignored when the prescription has no such line.
	Remaining int
	UserRef   *string
	// Certificate is the product's latest-expiring certificate, nil when none is on file.
	Certificate *Certificate
}

// Decision is a positive authorization, possibly with warnings.
type Decision struct {
	Warnings []string `json:"warnings,omitempty"`
}

// ComplianceGate authorizes dispensing. It has no side effects.
type ComplianceGate struct {
	certificates CertificatePolicy
}

// NewComplianceGate creates a gate with the given certificate policy.
func NewComplianceGate(policy CertificatePolicy) *ComplianceGate {
	return &ComplianceGate{certificates: policy}
}

// Authorize returns a Decision or the first compliance violation found.
// Free-sale products are always authorized.
func (g *ComplianceGate) Authorize(req AuthorizationRequest, asOf time.Time) (Decision, error) {
	var d Decision
	p := req.Product
	if !p.Classification.RequiresPrescription() {
		return d, nil
	}

	if err := checkPrescription(req, asOf); err != nil {
		return d, err
	}

	if p.Classification == ClassControlled && (req.UserRef == nil || *req.UserRef == "") {
		return d, MissingResponsibleParty(p.Code)
	}

	if g.certificates != CertificateOff && (req.Certificate == nil || req.Certificate.ExpiredAt(asOf)) {
		violation := CertificateExpired(p.Code)
		if g.certificates == CertificateEnforce {
			return d, violation
		}
		d.Warnings = append(d.Warnings, i18n.T(violation.MessageKey, violation.Params))
	}

	return d, nil
}

func checkPrescription(req AuthorizationRequest, asOf time.Time) error {
	p := req.Product
	if req.PrescriptionRef == nil || *req.PrescriptionRef == "" {
		return PrescriptionMissing(p.Code)
	}
	rx := req.Prescription
	if rx == nil {
		return PrescriptionNotFound(*req.PrescriptionRef)
	}
	if rx.Voided() {
		return PrescriptionVoided(rx.ID)
	}
	if rx.ExpiredAt(asOf) {
		return PrescriptionExpired(rx.ID, *rx.ExpiresOn)
	}
	if _, ok := rx.Line(p.ID); !ok {
		return LineNotFound(rx.ID, p.Code)
	}
	if req.Remaining < req.Quantity {
		return QuantityExceedsAuthorization(req.Remaining, req.Quantity)
	}
	return nil
}
