package domain

import (
	"strings"
	"testing"
)

func TestValidFormatGenericBounds(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  bool
	}{
		{"too short", "1234567", false},
		{"minimum length", "12345678", true},
		{"long secret", strings.Repeat("a", 4096), true},
		{"over maximum", strings.Repeat("a", 4097), false},
		{"non printable", "abcd\x00efgh", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidFormat("custom-provider", tc.value); got != tc.want {
				t.Fatalf("ValidFormat(%q) = %v, want %v", tc.name, got, tc.want)
			}
		})
	}
}

func TestValidFormatKnownProviders(t *testing.T) {
	cases := []struct {
		provider string
		value    string
		want     bool
	}{
		{"anthropic", "sk-ant-" + strings.Repeat("a", 24), true},
		{"anthropic", "sk-" + strings.Repeat("a", 24), false},
		{"openai", "sk-" + strings.Repeat("b", 24), true},
		{"aws", "AKIA" + strings.Repeat("A", 16) + ":" + strings.Repeat("x", 32), true},
		{"aws", "not-an-access-key", false},
		{"gcp", `{"type": "service_account", "project_id": "p"}`, true},
	}
	for _, tc := range cases {
		if got := ValidFormat(tc.provider, tc.value); got != tc.want {
			t.Fatalf("ValidFormat(%s, %q) = %v, want %v", tc.provider, tc.value, got, tc.want)
		}
	}
	if !KnownProvider("aws") || KnownProvider("custom-provider") {
		t.Fatal("provider format registry wrong")
	}
}
