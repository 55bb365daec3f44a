package permissions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medflow/pharmacy-ledger/pkg/permissions"
)

func TestHasPermission(t *testing.T) {
	tests := []struct {
		name     string
		perms    []string
		required string
		want     bool
	}{
		{"full access", []string{"*"}, permissions.LotsWriteOff, true},
		{"exact", []string{permissions.MovementsCommit}, permissions.MovementsCommit, true},
		{"resource wildcard", []string{"ledger.*"}, permissions.ControlledDispense, true},
		{"nested wildcard", []string{"ledger.lots.*"}, permissions.LotsWriteOff, true},
		{"wildcard does not match sibling", []string{"ledger.lots.*"}, permissions.MovementsCommit, false},
		{"prefix is not a wildcard", []string{"ledger"}, permissions.LedgerRead, false},
		{"technician cannot delegate", permissions.RoleDefaults["technician"], permissions.MovementsDelegate, false},
		{"nothing required", nil, "", true},
		{"no permissions", nil, permissions.LedgerRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, permissions.HasPermission(tt.perms, tt.required))
		})
	}
}

func TestHasAnyAndAll(t *testing.T) {
	perms := []string{permissions.LedgerRead, permissions.AuditRead}

	assert.True(t, permissions.HasAnyPermission(perms, []string{permissions.CatalogWrite, permissions.AuditRead}))
	assert.False(t, permissions.HasAnyPermission(perms, []string{permissions.CatalogWrite}))
	assert.True(t, permissions.HasAllPermissions(perms, []string{permissions.LedgerRead, permissions.AuditRead}))
	assert.False(t, permissions.HasAllPermissions(perms, []string{permissions.LedgerRead, permissions.CatalogWrite}))
}

func TestEffective(t *testing.T) {
	assert.Equal(t, []string{"x.y"}, permissions.Effective("admin", []string{"x.y"}))
	assert.Equal(t, []string{"*"}, permissions.Effective("admin", nil))
	assert.True(t, permissions.HasPermission(permissions.Effective("technician", nil), permissions.MovementsCommit))
	assert.False(t, permissions.HasPermission(permissions.Effective("technician", nil), permissions.ControlledDispense))
	assert.Empty(t, permissions.Effective("guest", nil))
}
