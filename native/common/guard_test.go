package common

import (
	"errors"
	"testing"
)

func TestGuard(t *testing.T) {
	if err := Guard(nil, "dsc"); err != nil {
		t.Fatalf("nil view should never block: %v", err)
	}
	pauses := NewPauses()
	if err := Guard(pauses, "dsc"); err != nil {
		t.Fatalf("unexpected error before pausing: %v", err)
	}
	pauses.Set(" DSC ", true)
	if err := Guard(pauses, "dsc"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if got := pauses.Paused(); len(got) != 1 || got[0] != "dsc" {
		t.Fatalf("unexpected paused list: %v", got)
	}
	pauses.Set("dsc", false)
	if err := Guard(pauses, "dsc"); err != nil {
		t.Fatalf("expected module resumed, got %v", err)
	}
	if err := Guard(pauses, ""); err != nil {
		t.Fatalf("empty module name should not be guarded: %v", err)
	}
}
