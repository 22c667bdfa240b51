package config

import "testing"

func TestGetEnv(t *testing.T) {
	t.Setenv("GW_TEST_STR", "set")
	if got := GetEnv("GW_TEST_STR", "fallback"); got != "set" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("GW_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv default = %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("GW_TEST_INT", "2715")
	if got := GetEnvInt("GW_TEST_INT", 1); got != 2715 {
		t.Errorf("GetEnvInt = %d", got)
	}

	t.Setenv("GW_TEST_INT_BAD", "not a number")
	if got := GetEnvInt("GW_TEST_INT_BAD", 7); got != 7 {
		t.Errorf("GetEnvInt on garbage = %d, want the default", got)
	}
	if got := GetEnvInt("GW_TEST_INT_UNSET", 9); got != 9 {
		t.Errorf("GetEnvInt default = %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
	}
	for _, tt := range tests {
		t.Setenv("GW_TEST_BOOL", tt.value)
		if got := GetEnvBool("GW_TEST_BOOL", !tt.want); got != tt.want {
			t.Errorf("GetEnvBool(%q) = %v", tt.value, got)
		}
	}

	t.Setenv("GW_TEST_BOOL", "maybe")
	if got := GetEnvBool("GW_TEST_BOOL", true); got != true {
		t.Error("unparseable boolean did not fall back to the default")
	}
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("GW_TEST_SLICE", `["https://a.example","https://b.example"]`)
	got := GetEnvStringSlice("GW_TEST_SLICE", []string{"x"})
	if len(got) != 2 || got[0] != "https://a.example" {
		t.Errorf("GetEnvStringSlice = %v", got)
	}

	t.Setenv("GW_TEST_SLICE", "a,b,c")
	if got := GetEnvStringSlice("GW_TEST_SLICE", []string{"keep"}); len(got) != 1 || got[0] != "keep" {
		t.Errorf("non-JSON value = %v, want the default", got)
	}

	if got := GetEnvStringSlice("GW_TEST_SLICE_UNSET", nil); got != nil {
		t.Errorf("unset = %v", got)
	}
}
