package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("settle: %w", New(CodeUnauthorized, "Caller is not the oracle"))

	if !errors.Is(err, Unauthorized) {
		t.Fatalf("expected wrapped error to match Unauthorized")
	}
	if errors.Is(err, SystemPaused) {
		t.Fatalf("did not expect match against SystemPaused")
	}
	if err.Error() != "settle: Caller is not the oracle" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestCodeOf(t *testing.T) {
	code, ok := CodeOf(fmt.Errorf("wrap: %w", Paused()))
	if !ok || code != CodeSystemPaused {
		t.Fatalf("expected %s got %s (ok=%v)", CodeSystemPaused, code, ok)
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Fatalf("plain errors carry no code")
	}
}
