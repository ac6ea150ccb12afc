package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("start: %w", NotFound("tenant %q", "school-9"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected wrapped NotFound to match sentinel")
	}
	if errors.Is(err, ErrStale) {
		t.Error("NotFound must not match Stale")
	}
	if got := CodeOf(err); got != CodeNotFound {
		t.Errorf("CodeOf() = %q", got)
	}
	if got := err.Error(); got != `start: NOT_FOUND: tenant "school-9"` {
		t.Errorf("unexpected message %q", got)
	}
}

func TestPersistenceWrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("database is locked")
	err := Persistence(cause, "save session")
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatal("expected PersistenceUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}

	coded := Invalid("bad grade")
	if Persistence(coded, "save") != error(coded) {
		t.Error("already coded errors should pass through")
	}
	if Persistence(nil, "noop") != nil {
		t.Error("nil cause should yield nil")
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if Wrap(CodeConflict, nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
}
