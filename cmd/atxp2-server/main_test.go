package main

import "testing"

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "env-key")
	if got := resolveAPIKey("flag-key"); got != "flag-key" {
		t.Fatalf("resolveAPIKey(flag-key)=%q, want flag-key", got)
	}
	if got := resolveAPIKey(""); got != "env-key" {
		t.Fatalf("resolveAPIKey(\"\")=%q, want env-key", got)
	}

	t.Setenv("API_KEY", "")
	if got := resolveAPIKey(""); got != "" {
		t.Fatalf("resolveAPIKey(\"\")=%q, want empty", got)
	}
}
