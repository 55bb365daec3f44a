package database

import (
	stderrors "errors"
	"net"
	"net/http"
	"strings"

	"github.com/lib/pq"

	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// MapPQError converts a PostgreSQL error to an AppError with meaningful messages.
// Returns nil if the error is not a pq.Error or has no specific mapping.
func MapPQError(err error) *errors.AppError {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return nil
	}

	switch pqErr.Code {
	case "23514":
		return mapCheckConstraint(pqErr)

	case "23505":
		return mapUniqueConstraint(pqErr)

	case "23503":
		return errors.BadRequest("referenced record does not exist")

	case "23502":
		col := pqErr.Column
		if col == "" {
			col = "required field"
		}
		return errors.Validation(map[string]string{
			col: "must not be empty",
		})

	default:
		return nil
	}
}

// IsRetryable reports serialization failures (40001) and deadlocks (40P01).
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !stderrors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// IsConnectionError reports whether err means the database could not be reached.
func IsConnectionError(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57"
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

func mapCheckConstraint(pqErr *pq.Error) *errors.AppError {
	constraint := pqErr.Constraint

	switch {
	case strings.Contains(constraint, "fechas"):
		appErr := errors.Validation(map[string]string{
			"expiry_date": "must not be before the manufacture date",
		})
		appErr.Code = "INVALID_DATE_RANGE"
		return appErr

	case strings.Contains(constraint, "cantidad"), strings.Contains(constraint, "stock"):
		return errors.Validation(map[string]string{
			"quantity": "must not be negative",
		})

	case strings.Contains(constraint, "clasificacion"):
		return errors.Validation(map[string]string{
			"classification": "must be one of: venta_libre, con_receta, controlado",
		})

	case strings.Contains(constraint, "estado"):
		return errors.Validation(map[string]string{
			"status": "must be one of: vigente, vencido",
		})

	case strings.Contains(constraint, "tipo"):
		return errors.Validation(map[string]string{
			"direction": "must be one of: entrada, salida",
		})

	default:
		return errors.BadRequest("data validation failed: " + constraint)
	}
}

func mapUniqueConstraint(pqErr *pq.Error) *errors.AppError {
	value := keyValue(pqErr.Detail)

	switch {
	case strings.Contains(pqErr.Constraint, "productos_codigo"):
		return errors.Newf(errors.ErrConflict, "DUPLICATE_CODE", http.StatusConflict,
			"ledger.duplicate_code", map[string]string{"code": value})
	case strings.Contains(pqErr.Constraint, "lotes_producto_numero"):
		return errors.Newf(errors.ErrConflict, "DUPLICATE_LOT", http.StatusConflict,
			"ledger.duplicate_lot", map[string]string{"lot": value, "product": ""})
	default:
		return errors.Conflict("a record with these values already exists")
	}
}

// keyValue extracts the value part of a unique violation detail such as
// "Key (codigo)=(AMOX-500) already exists.".
func keyValue(detail string) string {
	_, rest, ok := strings.Cut(detail, ")=(")
	if !ok {
		return ""
	}
	value, _, _ := strings.Cut(rest, ")")
	return value
}
