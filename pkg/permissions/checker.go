// Package permissions checks token permissions against the ledger's
// required permissions with support for wildcards.
//
// Permission Format:
//   - "*" - Full access (all permissions)
//   - "ledger.*" - Every ledger action
//   - "ledger.movements.commit" - Specific action
package permissions

import (
	"strings"
)

// Ledger permissions.
const (
	LedgerRead         = "ledger.read"
	CatalogWrite       = "ledger.catalog.write"
	MovementsCommit    = "ledger.movements.commit"
	MovementsDelegate  = "ledger.movements.delegate"
	ControlledDispense = "ledger.controlled.dispense"
	LotsWriteOff       = "ledger.lots.write_off"
	PrescriptionsWrite = "ledger.prescriptions.write"
	AuditRead          = "ledger.audit.read"
	AlertsRun          = "ledger.alerts.run"
)

// RoleDefaults are granted when a token carries a role but no explicit
// permission list.
var RoleDefaults = map[string][]string{
	"admin":      {"*"},
	"pharmacist": {"ledger.*"},
	"technician": {LedgerRead, MovementsCommit, PrescriptionsWrite},
	"auditor":    {LedgerRead, AuditRead},
}

// Effective returns perms, or the role defaults when perms is empty.
func Effective(role string, perms []string) []string {
	if len(perms) > 0 {
		return perms
	}
	return RoleDefaults[role]
}

// HasPermission reports whether held grants required. "*" grants everything
// and a trailing ".*" grants the whole namespace, so "ledger.*" covers
// "ledger.lots.write_off".
func HasPermission(held []string, required string) bool {
	if required == "" {
		return true
	}

	for _, p := range held {
		if p == "*" || p == required {
			return true
		}
		if ns, ok := strings.CutSuffix(p, "*"); ok && strings.HasSuffix(ns, ".") && strings.HasPrefix(required, ns) {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether held grants at least one of required.
func HasAnyPermission(held []string, required []string) bool {
	for _, req := range required {
		if HasPermission(held, req) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether held grants every one of required.
func HasAllPermissions(held []string, required []string) bool {
	for _, req := range required {
		if !HasPermission(held, req) {
			return false
		}
	}
	return true
}
