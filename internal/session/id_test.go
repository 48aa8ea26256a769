package session

import "testing"

func TestIDRoundTrip(t *testing.T) {
	id := ID{PageID: "P1", Seq: 7}
	wire := id.String()
	if wire != "P1-session-7" {
		t.Fatalf("unexpected wire form: %s", wire)
	}

	parsed, ok := Parse(wire)
	if !ok || parsed != id {
		t.Fatalf("parse round-trip failed: %+v ok=%v", parsed, ok)
	}

	pageID, ok := PageIDOf(wire)
	if !ok || pageID != "P1" {
		t.Fatalf("PageIDOf: got %q ok=%v", pageID, ok)
	}
}

func TestPageIDOfRejectsMalformed(t *testing.T) {
	if _, ok := PageIDOf("nosessionidhere"); ok {
		t.Fatal("expected rejection of a wire form with no separator")
	}
}
