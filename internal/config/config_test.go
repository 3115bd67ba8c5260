package config

import (
	"errors"
	"testing"
)

func TestResolveGoogleClient(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantID     string
		wantReason string
	}{
		{
			name:   "valid",
			raw:    `{"web":{"client_id":"abc","client_secret":"xyz","redirect_uris":["http://localhost/cb"]}}`,
			wantID: "abc",
		},
		{
			name:       "empty",
			raw:        "",
			wantReason: "not set",
		},
		{
			name:       "bad json",
			raw:        `{"web":`,
			wantReason: "invalid JSON",
		},
		{
			name:       "missing secret",
			raw:        `{"web":{"client_id":"abc"}}`,
			wantReason: "missing client_id or client_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveGoogleClient(tt.raw)
			if tt.wantReason != "" {
				var mce *MissingCredentialsError
				if !errors.As(err, &mce) {
					t.Fatalf("error = %v, want MissingCredentialsError", err)
				}
				if mce.Reason != tt.wantReason {
					t.Errorf("reason = %q, want %q", mce.Reason, tt.wantReason)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ClientID != tt.wantID {
				t.Errorf("client_id = %q, want %q", got.ClientID, tt.wantID)
			}
			if got.TokenURI == "" {
				t.Error("token_uri default not applied")
			}
		})
	}
}
