package uuid

import (
	"testing"
)

// TestNew tests that New() generates valid, unique UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated UUID is not a valid v4: %s", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests v4 detection.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase", "F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"wrong variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"urn prefix", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}

// TestEnsure tests that valid IDs are kept and anything else is replaced.
func TestEnsure(t *testing.T) {
	valid := "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	if got := Ensure(valid); got != valid {
		t.Errorf("Ensure(%q) = %q, want unchanged", valid, got)
	}

	for _, in := range []string{"", "req-1", "../../etc/passwd"} {
		got := Ensure(in)
		if got == in || !IsValid(got) {
			t.Errorf("Ensure(%q) = %q, want a fresh UUID", in, got)
		}
	}
}
