package torrenterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	base := errors.New("sha1 mismatch")
	wrapped := New(Verification, "pool.verify", base)
	wrapped2 := fmt.Errorf("worker 3: %w", wrapped)

	if !Is(wrapped2, Verification) {
		t.Fatal("expected Verification kind to propagate through fmt.Errorf wrapping")
	}
	if Is(wrapped2, Storage) {
		t.Fatal("did not expect Storage kind to match")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := New(Storage, "piecestore.Commit", errors.New("disk full"))
	if got := err.Error(); got != "storage: piecestore.Commit: disk full" {
		t.Fatalf("Error() = %q", got)
	}
}
