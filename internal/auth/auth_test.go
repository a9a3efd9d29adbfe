package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid", "Bearer abc123", "abc123", false},
		{"missing header", "", "", true},
		{"wrong scheme", "Basic abc123", "", true},
		{"empty token", "Bearer   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/admin/audit", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "reader", Scopes: []string{"audit:ro"}},
		{Token: "operator", Scopes: []string{"events:rw"}},
	}

	p, ok := Authenticate("master-key", "master-key", tokens)
	if !ok {
		t.Fatal("api key should authenticate")
	}
	if !HasAnyScope(p, "events:rw") || !HasAnyScope(p, "audit:ro") {
		t.Error("api key should carry all scopes")
	}

	p, ok = Authenticate("reader", "master-key", tokens)
	if !ok {
		t.Fatal("reader token should authenticate")
	}
	if !HasAnyScope(p, "audit:ro") {
		t.Error("reader should have audit:ro")
	}
	if HasAnyScope(p, "events:ro") {
		t.Error("reader should not have events scopes")
	}

	// Write implies read.
	p, ok = Authenticate("operator", "master-key", tokens)
	if !ok {
		t.Fatal("operator token should authenticate")
	}
	if !HasAnyScope(p, "events:ro") {
		t.Error("events:rw should imply events:ro")
	}

	if _, ok := Authenticate("wrong", "master-key", tokens); ok {
		t.Error("unknown token should not authenticate")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Error("empty token should never authenticate")
	}
}
