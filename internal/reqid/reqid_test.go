package reqid

import (
	"context"
	"strconv"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx, id := NewContext(context.Background())
	got, ok := FromContext(ctx)
	if !ok || got != id {
		t.Fatalf("expected %d from context, got %d ok=%v", id, got, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("unexpected id in empty context")
	}
}

func TestIDsArePositiveAndDistinct(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		_, id := NewContext(context.Background())
		if id <= 0 {
			t.Fatalf("non-positive id %d", id)
		}
		seen[id] = true
	}
	if len(seen) < 99 {
		t.Fatalf("ids repeat too often: %d distinct", len(seen))
	}
	if got := String(42); got != strconv.Itoa(42) {
		t.Fatalf("String(42) = %q", got)
	}
}
