package utils

import "testing"

func TestHashUserID(t *testing.T) {
	// SHA-256 of the raw id, hex encoded.
	got := HashUserID("12345")
	want := "5994471abb01112afcc18159f6cc74b4f511b99806da59b3caf5a9c173cacfc5"
	if got != want {
		t.Fatalf("HashUserID(12345) = %s, want %s", got, want)
	}
	if HashUserID("12345") != got {
		t.Fatal("hash must be deterministic")
	}
	if HashUserID("54321") == got {
		t.Fatal("different ids must not collide")
	}
}
