package nonce

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreMarkUsedIsSetIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.MarkUsed(ctx, "n-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first MarkUsed: ok=%t err=%v", ok, err)
	}
	ok, err = s.MarkUsed(ctx, "n-1", time.Minute)
	if err != nil {
		t.Fatalf("second MarkUsed: %v", err)
	}
	if ok {
		t.Fatalf("expected second MarkUsed of same nonce to lose")
	}

	used, err := s.IsUsed(ctx, "n-1")
	if err != nil || !used {
		t.Fatalf("expected nonce to be reported used, used=%t err=%v", used, err)
	}
}

func TestMemoryStoreForgetsAfterTTL(t *testing.T) {
	s := NewMemoryStore()
	current := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return current }
	ctx := context.Background()

	if ok, _ := s.MarkUsed(ctx, "n-ttl", 10*time.Second); !ok {
		t.Fatalf("expected first MarkUsed to win")
	}

	current = current.Add(11 * time.Second)
	used, err := s.IsUsed(ctx, "n-ttl")
	if err != nil {
		t.Fatalf("IsUsed: %v", err)
	}
	if used {
		t.Fatalf("expected nonce to be forgotten after TTL")
	}
	if ok, _ := s.MarkUsed(ctx, "n-ttl", 10*time.Second); !ok {
		t.Fatalf("expected MarkUsed to win again after TTL expiry")
	}
}
