package taskstore

import (
	"regexp"
	"testing"
)

var baseIDPattern = regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{8}$`)

func TestGenerateBaseID_Shape(t *testing.T) {
	id := GenerateBaseID()
	if !baseIDPattern.MatchString(id) {
		t.Errorf("expected id to match %s, got %s", baseIDPattern, id)
	}
}

func TestGenerateBaseID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateBaseID()
		if seen[id] {
			t.Errorf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestVariantID(t *testing.T) {
	base := "20260101_120000_abcd1234"
	got := VariantID(base, VariantLimpa)
	want := "20260101_120000_abcd1234_limpa"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
