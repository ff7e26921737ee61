package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Setenv("MEMBERSHIP_FEE", "12.5")
	t.Setenv("MEMBERSHIP_FEE_DURATION_MONTHS", "12")
	t.Setenv("MANAGE_ACCOUNTING", "false")
	t.Setenv("TRANSPORT", "not-a-number")

	s := LoadSettings()
	if s.MembershipFee.String() != "12.5" || s.MembershipFeeDurationMonths != 12 {
		t.Fatalf("unexpected membership settings %+v", s)
	}
	if s.ManageAccounting {
		t.Fatalf("expected accounting to be disabled")
	}
	if !s.Transport.IsZero() {
		t.Fatalf("invalid transport should fall back to zero, got %s", s.Transport)
	}
}

func TestLoadFallsBackOnInvalidTTL(t *testing.T) {
	t.Setenv("SUMMARY_TTL_SECONDS", "-4")
	t.Setenv("LOCK_TTL_SECONDS", "abc")

	cfg := Load()
	if cfg.SummaryTTLSeconds != 300 || cfg.LockTTLSeconds != 60 {
		t.Fatalf("unexpected ttl fallback %d/%d", cfg.SummaryTTLSeconds, cfg.LockTTLSeconds)
	}
}
