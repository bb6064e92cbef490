package uuid

import "testing"

func TestNewProducesValidV4(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New produced invalid UUID %q", id)
		}
		if seen[id] {
			t.Fatalf("New produced duplicate UUID %q", id)
		}
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"11111111-1111-4111-8111-111111111111", true},
		{"11111111-1111-4111-b111-111111111111", true},
		{"11111111-1111-4111-B111-111111111111", true},
		{"11111111-1111-1111-8111-111111111111", false}, // wrong version
		{"11111111-1111-4111-7111-111111111111", false}, // wrong variant
		{"11111111111141118111111111111111", false},     // missing dashes
		{"not-a-uuid", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsValid(tc.in); got != tc.want {
			t.Errorf("IsValid(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate rejected a generated UUID: %v", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("Validate accepted a malformed string")
	}
}
