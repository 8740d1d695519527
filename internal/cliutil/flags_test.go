package cliutil

import (
	"testing"
	"time"
)

func TestFirstNonEmpty(t *testing.T) {
	cases := []struct {
		name   string
		values []string
		want   string
	}{
		{"all empty", []string{"", "  ", ""}, ""},
		{"first wins", []string{"a", "b"}, "a"},
		{"skips blanks", []string{"", "  ", "b"}, "b"},
		{"trims", []string{"  a  "}, "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FirstNonEmpty(tc.values...); got != tc.want {
				t.Errorf("FirstNonEmpty(%v) = %q, want %q", tc.values, got, tc.want)
			}
		})
	}
}

func TestResolveBool(t *testing.T) {
	if !ResolveBool("false", true, true, false) {
		t.Error("flagSet should take precedence over env")
	}
	if !ResolveBool("true", false, false, false) {
		t.Error("should fall back to env when flag not set")
	}
	if ResolveBool("not-a-bool", false, false, false) != false {
		t.Error("malformed env should fall back to default")
	}
	if ResolveBool("", false, false, true) != true {
		t.Error("blank env should fall back to default")
	}
}

func TestResolveDuration(t *testing.T) {
	if got := ResolveDuration("5s", time.Second); got != 5*time.Second {
		t.Errorf("got %v", got)
	}
	if got := ResolveDuration("", time.Minute); got != time.Minute {
		t.Errorf("blank should use default, got %v", got)
	}
	if got := ResolveDuration("garbage", time.Minute); got != time.Minute {
		t.Errorf("malformed should use default, got %v", got)
	}
}

func TestResolveInt(t *testing.T) {
	if got := ResolveInt("42", 1); got != 42 {
		t.Errorf("got %d", got)
	}
	if got := ResolveInt("", 7); got != 7 {
		t.Errorf("blank should use default, got %d", got)
	}
	if got := ResolveInt("nope", 7); got != 7 {
		t.Errorf("malformed should use default, got %d", got)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("CLIUTIL_TEST_VAR", "value")
	if got := EnvOrDefault("CLIUTIL_TEST_VAR", "fallback"); got != "value" {
		t.Errorf("got %q", got)
	}
	if got := EnvOrDefault("CLIUTIL_TEST_VAR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q", got)
	}
}
