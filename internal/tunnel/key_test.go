package tunnel

import (
	"errors"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "punctuation and space", in: "My DB!", want: "My_DB_"},
		{name: "already safe", in: "valid-name.1", want: "valid-name.1"},
		{name: "surrounding whitespace trimmed", in: "  web  ", want: "web"},
		{name: "slashes and colons", in: "prod/db:5432", want: "prod_db_5432"},
		{name: "non-ascii", in: "café", want: "caf_"},
		{name: "only whitespace", in: "   ", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeKey(tt.in); got != tt.want {
				t.Errorf("SanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveKey(t *testing.T) {
	existing := Registry{
		"db":  {Key: "db"},
		"web": {Key: "web"},
	}

	tests := []struct {
		name      string
		candidate string
		previous  string
		want      string
		wantErr   error
	}{
		{name: "new unique name", candidate: "My DB!", want: "My_DB_"},
		{name: "new safe name unchanged", candidate: "valid-name.1", want: "valid-name.1"},
		{name: "empty on create", candidate: "", wantErr: ErrInvalidName},
		{name: "unsanitizable whitespace on create", candidate: "  ", wantErr: ErrInvalidName},
		{name: "empty on edit keeps previous", candidate: "", previous: "db", want: "db"},
		{name: "duplicate on create", candidate: "web", wantErr: ErrDuplicateKey},
		{name: "duplicate after sanitizing", candidate: " web ", wantErr: ErrDuplicateKey},
		{name: "own key on edit", candidate: "db", previous: "db", want: "db"},
		{name: "rename onto other key", candidate: "web", previous: "db", wantErr: ErrDuplicateKey},
		{name: "rename to free key", candidate: "database", previous: "db", want: "database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveKey(tt.candidate, tt.previous, existing)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got key=%q err=%v", tt.wantErr, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveKey(%q, %q) = %q, want %q", tt.candidate, tt.previous, got, tt.want)
			}
		})
	}
}
