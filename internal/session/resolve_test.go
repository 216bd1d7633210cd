package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	home := t.TempDir()
	t.Setenv(EnvHome, home)
	t.Setenv(EnvSession, "")

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultSessionName)
	}

	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("default_session = \"shop\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "shop" {
		t.Errorf("Resolve() with config = %q, want shop", got)
	}

	t.Setenv(EnvSession, "buyer")
	if got := Resolve(""); got != "buyer" {
		t.Errorf("Resolve() with env = %q, want buyer", got)
	}
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"main", false},
		{"seller-2", false},
		{"buyer_one", false},
		{"a", false},
		{strings.Repeat("a", 64), false},
		{"", true},
		{"-leading", true},
		{"_leading", true},
		{"Shop", true},
		{"my shop", true},
		{"..", true},
		{"a/b", true},
		{strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}
