package uuid

import (
	"strings"
	"testing"
)

// TestNew tests that generated ids are valid v4 and unique.
func TestNew(t *testing.T) {
	a := New()
	b := New()

	if !IsValid(a) {
		t.Errorf("Generated id %q is not a valid UUID v4", a)
	}
	if a == b {
		t.Error("Expected unique ids from consecutive New calls")
	}
}

// TestNewTempID tests the temp id prefix convention.
func TestNewTempID(t *testing.T) {
	id := NewTempID()

	if !strings.HasPrefix(id, "tmp-") {
		t.Errorf("Expected tmp- prefix, got %q", id)
	}
	if !IsValid(strings.TrimPrefix(id, "tmp-")) {
		t.Errorf("Temp id suffix is not a valid UUID v4: %q", id)
	}
}

// TestValidate tests rejection of malformed ids.
func TestValidate(t *testing.T) {
	cases := []string{
		"",
		"not-a-uuid",
		"123e4567-e89b-12d3-a456-426614174000", // v1, not v4
	}

	for _, c := range cases {
		if err := Validate(c); err == nil {
			t.Errorf("Expected validation error for %q", c)
		}
	}
}
