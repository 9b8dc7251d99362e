package config

import (
	"testing"
	"time"
)

func TestLoadRequiresSidecarURL(t *testing.T) {
	t.Setenv("SIDECAR_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when SIDECAR_URL is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIDECAR_URL", "http://localhost:9000/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SidecarURL != "http://localhost:9000" {
		t.Errorf("SidecarURL = %q, want trailing slash trimmed", cfg.SidecarURL)
	}
	if cfg.BasePort != 43110 {
		t.Errorf("BasePort = %d, want 43110", cfg.BasePort)
	}
	if cfg.PortSpan != 50 {
		t.Errorf("PortSpan = %d, want 50", cfg.PortSpan)
	}
	if cfg.JWKSEndpoint != "http://localhost:9000/.well-known/jwks.json" {
		t.Errorf("JWKSEndpoint = %q, want derived from sidecar URL", cfg.JWKSEndpoint)
	}
	if cfg.TokenEndpoint != "http://localhost:9000/v1/auth/token" {
		t.Errorf("TokenEndpoint = %q, want derived from sidecar URL", cfg.TokenEndpoint)
	}
	if cfg.JWTIssuer != "http://localhost:9000" {
		t.Errorf("JWTIssuer = %q, want sidecar URL", cfg.JWTIssuer)
	}
	if cfg.HTTPReadTimeout != 15*time.Second {
		t.Errorf("HTTPReadTimeout = %v, want 15s", cfg.HTTPReadTimeout)
	}
	if cfg.UnauthorizedTerminal {
		t.Error("UnauthorizedTerminal should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIDECAR_URL", "http://localhost:9000")
	t.Setenv("BRIDGE_BASE_PORT", "50000")
	t.Setenv("BRIDGE_PORT_SPAN", "10")
	t.Setenv("JWKS_ENDPOINT", "http://other/.well-known/jwks.json")
	t.Setenv("SIDECAR_TIMEOUT", "3s")
	t.Setenv("UNAUTHORIZED_TERMINAL", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.BasePort != 50000 || cfg.PortSpan != 10 {
		t.Errorf("port config = (%d, %d), want (50000, 10)", cfg.BasePort, cfg.PortSpan)
	}
	if cfg.JWKSEndpoint != "http://other/.well-known/jwks.json" {
		t.Errorf("JWKSEndpoint override ignored: %q", cfg.JWKSEndpoint)
	}
	if cfg.SidecarTimeout != 3*time.Second {
		t.Errorf("SidecarTimeout = %v, want 3s", cfg.SidecarTimeout)
	}
	if !cfg.UnauthorizedTerminal {
		t.Error("UnauthorizedTerminal override ignored")
	}
}

func TestLoadRejectsNonPositivePortSpan(t *testing.T) {
	t.Setenv("SIDECAR_URL", "http://localhost:9000")
	t.Setenv("BRIDGE_PORT_SPAN", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative port span")
	}
}
