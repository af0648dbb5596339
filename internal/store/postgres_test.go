package store

import (
	"testing"
)

func TestJoinSplitCaps(t *testing.T) {
	if v := joinCaps(nil); v != nil {
		t.Fatal("nil slice -> nil expected")
	}
	if v := joinCaps([]string{}); v != nil {
		t.Fatal("empty slice -> nil expected")
	}
	if v := joinCaps([]string{"delivery", "admin"}); v != "delivery,admin" {
		t.Fatalf("joinCaps = %v", v)
	}
	caps := splitCaps("delivery,admin")
	if len(caps) != 2 || caps[0] != "delivery" || caps[1] != "admin" {
		t.Fatalf("splitCaps = %v", caps)
	}
	if splitCaps("") != nil {
		t.Fatal("empty string -> nil expected")
	}
}

func TestNullHelpers(t *testing.T) {
	if nullIfEmpty("") != nil {
		t.Fatal("empty -> nil expected")
	}
	if nullIfEmpty("x") != "x" {
		t.Fatal("non-empty passes through")
	}
	if nullFloat(nil) != nil {
		t.Fatal("nil -> nil expected")
	}
	f := 7.5
	if nullFloat(&f) != 7.5 {
		t.Fatal("value passes through")
	}
}
