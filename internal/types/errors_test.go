package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := Errorf(KindTimeout, "sandbox.exec", "command exceeded %v", "100ms")
	wrapped := fmt.Errorf("iteration 2: %w", err)

	if !errors.Is(wrapped, ErrTimeout) {
		t.Errorf("errors.Is(wrapped, ErrTimeout) = false, want true")
	}
	if errors.Is(wrapped, ErrNotFound) {
		t.Errorf("errors.Is(wrapped, ErrNotFound) = true, want false")
	}
	if KindOf(wrapped) != KindTimeout {
		t.Errorf("KindOf() = %s, want %s", KindOf(wrapped), KindTimeout)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
	if Wrap(KindNotFound, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestIsClientError(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindValidation, true},
		{KindNotFound, true},
		{KindStateConflict, true},
		{KindAccessDenied, true},
		{KindCircuitOpen, true},
		{KindPolicyLimit, true},
		{KindTimeout, false},
		{KindSandboxFailure, false},
		{KindRollbackFailure, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := IsClientError(Errorf(tt.kind, "op", "x")); got != tt.want {
				t.Errorf("IsClientError(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		want     string
		wantKind ErrorKind
	}{
		{"simple", "src/main.go", "src/main.go", ""},
		{"dot segments", "src/./pkg/../main.go", "src/main.go", ""},
		{"absolute", "/etc/passwd", "", KindAccessDenied},
		{"escape", "../outside.txt", "", KindAccessDenied},
		{"nested escape", "src/../../outside.txt", "", KindAccessDenied},
		{"empty", "", "", KindValidation},
		{"root", ".", "", KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CleanRelPath("test", tt.path)
			if tt.wantKind != "" {
				if KindOf(err) != tt.wantKind {
					t.Fatalf("CleanRelPath(%q) error kind = %v, want %v", tt.path, KindOf(err), tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("CleanRelPath(%q) unexpected error: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("CleanRelPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestIsProtectedPath(t *testing.T) {
	if !IsProtectedPath(".git/config", nil) {
		t.Error(".git/config should always be protected")
	}
	if !IsProtectedPath("secrets/key.pem", []string{"secrets/"}) {
		t.Error("secrets/key.pem should be protected")
	}
	if IsProtectedPath(".github/workflows/ci.yml", nil) {
		t.Error(".github should not match .git prefix")
	}
}
