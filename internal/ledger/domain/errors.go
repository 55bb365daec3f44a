package domain

import (
	"fmt"
	"net/http"
	"time"

	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// Machine-readable reasons carried in AppError.Code.
const (
	CodeDuplicateCode        = "DUPLICATE_CODE"
	CodeDuplicateLot         = "DUPLICATE_LOT"
	CodeClassificationLocked = "CLASSIFICATION_LOCKED"
	CodeIdempotencyInFlight  = "IDEMPOTENCY_IN_FLIGHT"
	CodeIdempotencyKeyReused = "IDEMPOTENCY_KEY_REUSED"

	CodeProductNotFound      = "PRODUCT_NOT_FOUND"
	CodeLotNotFound          = "LOT_NOT_FOUND"
	CodePrescriptionNotFound = "PRESCRIPTION_NOT_FOUND"
	CodeLineNotFound         = "LINE_NOT_FOUND"
	CodeUserNotFound         = "USER_NOT_FOUND"

	CodeInvalidQuantity  = "INVALID_QUANTITY"
	CodeInvalidDateRange = "INVALID_DATE_RANGE"
	CodeLotExpired       = "LOT_EXPIRED"

	CodeInsufficientStock = "INSUFFICIENT_STOCK"

	CodePrescriptionMissing          = "PRESCRIPTION_MISSING"
	CodePrescriptionExpired          = "PRESCRIPTION_EXPIRED"
	CodePrescriptionVoided           = "PRESCRIPTION_VOIDED"
	CodeQuantityExceedsAuthorization = "QUANTITY_EXCEEDS_AUTHORIZATION"
	CodeMissingResponsibleParty      = "MISSING_RESPONSIBLE_PARTY"
	CodeCertificateExpired           = "CERTIFICATE_EXPIRED"
)

const dateLayout = "2006-01-02"

func DuplicateCode(code string) *errors.AppError {
	return errors.Newf(errors.ErrConflict, CodeDuplicateCode, http.StatusConflict,
		"ledger.duplicate_code", map[string]string{"code": code})
}

func DuplicateLot(product, lot string) *errors.AppError {
	return errors.Newf(errors.ErrConflict, CodeDuplicateLot, http.StatusConflict,
		"ledger.duplicate_lot", map[string]string{"product": product, "lot": lot})
}

func ClassificationLocked(code string) *errors.AppError {
	return errors.Newf(errors.ErrConflict, CodeClassificationLocked, http.StatusConflict,
		"ledger.classification_locked", map[string]string{"code": code})
}

func IdempotencyInFlight(key string) *errors.AppError {
	return errors.Newf(errors.ErrConflict, CodeIdempotencyInFlight, http.StatusConflict,
		"ledger.idempotency_in_flight", map[string]string{"key": key})
}

func IdempotencyKeyReused(key string) *errors.AppError {
	return errors.Newf(errors.ErrConflict, CodeIdempotencyKeyReused, http.StatusConflict,
		"ledger.idempotency_key_reused", map[string]string{"key": key})
}

func ProductNotFound(code string) *errors.AppError {
	return errors.Newf(errors.ErrNotFound, CodeProductNotFound, http.StatusNotFound,
		"ledger.product_not_found", map[string]string{"code": code})
}

func LotNotFound(lot string) *errors.AppError {
	return errors.Newf(errors.ErrNotFound, CodeLotNotFound, http.StatusNotFound,
		"ledger.lot_not_found", map[string]string{"lot": lot})
}

func PrescriptionNotFound(id string) *errors.AppError {
	return errors.Newf(errors.ErrNotFound, CodePrescriptionNotFound, http.StatusNotFound,
		"ledger.prescription_not_found", map[string]string{"id": id})
}

func LineNotFound(prescriptionID, product string) *errors.AppError {
	return errors.Newf(errors.ErrNotFound, CodeLineNotFound, http.StatusNotFound,
		"ledger.line_not_found", map[string]string{"id": prescriptionID, "product": product})
}

func UserNotFound(id string) *errors.AppError {
	return errors.Newf(errors.ErrNotFound, CodeUserNotFound, http.StatusNotFound,
		"ledger.user_not_found", map[string]string{"id": id})
}

func InvalidQuantity(quantity int) *errors.AppError {
	return errors.Newf(errors.ErrValidation, CodeInvalidQuantity, http.StatusBadRequest,
		"ledger.invalid_quantity", map[string]string{"quantity": fmt.Sprint(quantity)})
}

// WriteOffExceeds is an InvalidQuantity raised when a write-off asks for more
// than the lot holds.
func WriteOffExceeds(lot string, quantity, remaining int) *errors.AppError {
	return errors.Newf(errors.ErrValidation, CodeInvalidQuantity, http.StatusBadRequest,
		"ledger.write_off_exceeds", map[string]string{
			"lot":       lot,
			"quantity":  fmt.Sprint(quantity),
			"remaining": fmt.Sprint(remaining),
		})
}

func InvalidDateRange(manufacture, expiry time.Time) *errors.AppError {
	return errors.Newf(errors.ErrValidation, CodeInvalidDateRange, http.StatusBadRequest,
		"ledger.invalid_date_range", map[string]string{
			"manufacture": manufacture.Format(dateLayout),
			"expiry":      expiry.Format(dateLayout),
		})
}

func LotExpired(lot string, expiry time.Time) *errors.AppError {
	return errors.Newf(errors.ErrValidation, CodeLotExpired, http.StatusBadRequest,
		"ledger.lot_expired", map[string]string{"lot": lot, "expiry": expiry.Format(dateLayout)})
}

func InsufficientStock(product string, requested, available int) *errors.AppError {
	return errors.InsufficientStock(product, requested, available)
}

func PrescriptionMissing(product string) *errors.AppError {
	return errors.ComplianceViolation(CodePrescriptionMissing, "ledger.prescription_missing",
		map[string]string{"product": product})
}

func PrescriptionExpired(id string, expiry time.Time) *errors.AppError {
	return errors.ComplianceViolation(CodePrescriptionExpired, "ledger.prescription_expired",
		map[string]string{"id": id, "expiry": expiry.Format(dateLayout)})
}

func PrescriptionVoided(id string) *errors.AppError {
	return errors.ComplianceViolation(CodePrescriptionVoided, "ledger.prescription_voided",
		map[string]string{"id": id})
}

func QuantityExceedsAuthorization(remaining, requested int) *errors.AppError {
	return errors.ComplianceViolation(CodeQuantityExceedsAuthorization, "ledger.quantity_exceeds_authorization",
		map[string]string{"remaining": fmt.Sprint(remaining), "requested": fmt.Sprint(requested)})
}

func MissingResponsibleParty(product string) *errors.AppError {
	return errors.ComplianceViolation(CodeMissingResponsibleParty, "ledger.missing_responsible_party",
		map[string]string{"product": product})
}

func CertificateExpired(product string) *errors.AppError {
	return errors.ComplianceViolation(CodeCertificateExpired, "ledger.certificate_expired",
		map[string]string{"product": product})
}
