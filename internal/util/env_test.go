package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"No", true, false},
		{"off", true, false},
		{"banana", true, true},
		{"banana", false, false},
	}
	for _, tt := range tests {
		t.Setenv("TEST_BOOL_ENV", tt.value)
		if got := ParseBoolEnv("TEST_BOOL_ENV", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		def   int
		want  int
	}{
		{"", 5, 5},
		{"3", 5, 3},
		{" 42 ", 5, 42},
		{"-1", 5, -1},
		{"nope", 5, 5},
	}
	for _, tt := range tests {
		t.Setenv("TEST_INT_ENV", tt.value)
		if got := ParseIntEnv("TEST_INT_ENV", tt.def); got != tt.want {
			t.Errorf("ParseIntEnv(%q, %d) = %d, want %d", tt.value, tt.def, got, tt.want)
		}
	}
}
