package lifecycle

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestCloseRunsLIFOAndReturnsFirstError(t *testing.T) {
	m := NewManager(zerolog.Nop())
	var order []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	m.RegisterFunc("a", func() error { order = append(order, "a"); return errA })
	m.RegisterFunc("b", func() error { order = append(order, "b"); return errB })
	m.RegisterFunc("c", func() error { order = append(order, "c"); return nil })

	if err := m.Close(); !errors.Is(err, errB) {
		t.Fatalf("expected first error from b, got %v", err)
	}
	if len(order) != 3 || order[0] != "c" || order[1] != "b" || order[2] != "a" {
		t.Fatalf("unexpected close order: %v", order)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("resources closed twice: %v", order)
	}
}
