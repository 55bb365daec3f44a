package config

import "testing"

func TestGetEnv(t *testing.T) {
	t.Setenv("LEDGER_TEST_VALUE", "x")
	if got := GetEnv("LEDGER_TEST_VALUE", "d"); got != "x" {
		t.Errorf("GetEnv() = %v, want x", got)
	}
	if got := GetEnv("LEDGER_TEST_MISSING", "d"); got != "d" {
		t.Errorf("GetEnv() = %v, want d", got)
	}
}

func TestIsProductionLike(t *testing.T) {
	tests := map[string]bool{
		"":            false,
		"development": false,
		"STAGING":     true,
		"production":  true,
	}
	for env, want := range tests {
		t.Run(env, func(t *testing.T) {
			t.Setenv("LEDGER_SERVER_ENVIRONMENT", env)
			if got := IsProductionLike(); got != want {
				t.Errorf("IsProductionLike() = %v, want %v", got, want)
			}
		})
	}
}
