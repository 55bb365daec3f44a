// Package handler exposes the ledger over HTTP under /api/v1/ledger.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/medflow/pharmacy-ledger/internal/ledger/domain"
	"github.com/medflow/pharmacy-ledger/pkg/clock"
	"github.com/medflow/pharmacy-ledger/pkg/errors"
)

// civilDate is a calendar day in a request body. It accepts "2024-03-01"
// as well as the other layouts dateparse understands.
type civilDate struct {
	time.Time
}

func (d *civilDate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return err
	}
	d.Time = domain.DateOf(t)
	return nil
}

func (d *civilDate) ptr() *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time
	return &t
}

// asOf reads the as_of query parameter, defaulting to the clock's now.
func asOf(r *http.Request, clk clock.Clock) (time.Time, error) {
	return queryTime(r, "as_of", clk.Now())
}

func queryTime(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	t, err := dateparse.ParseIn(raw, fallback.Location())
	if err != nil {
		return time.Time{}, errors.Validation(map[string]string{name: "is not a recognizable date"})
	}
	return t, nil
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Validation(map[string]string{name: "must be an integer"})
	}
	return n, nil
}
