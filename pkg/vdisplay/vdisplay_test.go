package vdisplay

import "testing"

// Negotiate requires a live GNOME Mutter session bus and cannot be
// exercised here; this covers the pure logic around it.

func TestDisplayNameIncludesNodeID(t *testing.T) {
	s := &Session{pipewireNode: 42}
	if got, want := s.DisplayName(), "ember-vdisplay-42"; got != want {
		t.Fatalf("DisplayName() = %q, want %q", got, want)
	}
}

func TestDisplayNameDistinguishesSessions(t *testing.T) {
	a := &Session{pipewireNode: 1}
	b := &Session{pipewireNode: 2}
	if a.DisplayName() == b.DisplayName() {
		t.Fatalf("expected distinct display names for distinct node ids")
	}
}
