package main

import (
	"testing"

	"coopcycle/backend/internal/config"
)

func TestValidateSecurityConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		wantErr bool
	}{
		{"short secret", config.Config{AuthSecret: "short"}, true},
		{"strong secret", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "https://coop.example"}, false},
		{"wildcard origin with database", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*", DatabaseURL: "postgres://db"}, true},
		{"wildcard origin in memory", config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", AllowedOrigin: "*"}, false},
	}
	for _, tc := range cases {
		err := validateSecurityConfig(tc.cfg)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: expected error=%v, got %v", tc.name, tc.wantErr, err)
		}
	}
}
