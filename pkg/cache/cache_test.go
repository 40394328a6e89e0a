package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetLoadsOnceWithinTTL(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	var loads int32

	loader := func(ctx context.Context, key string) (interface{}, error) {
		atomic.AddInt32(&loads, 1)
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		val, err := c.Get(context.Background(), "k", loader)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if val != "value" {
			t.Fatalf("unexpected value %v", val)
		}
	}

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("expected 1 load, got %d", n)
	}
}

func TestGetReloadsAfterExpiry(t *testing.T) {
	c := New(Options{TTL: 10 * time.Millisecond})
	var loads int32

	loader := func(ctx context.Context, key string) (interface{}, error) {
		return atomic.AddInt32(&loads, 1), nil
	}

	if _, err := c.Get(context.Background(), "k", loader); err != nil {
		t.Fatalf("get: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := c.Get(context.Background(), "k", loader); err != nil {
		t.Fatalf("get: %v", err)
	}

	if n := atomic.LoadInt32(&loads); n != 2 {
		t.Fatalf("expected 2 loads, got %d", n)
	}
}

func TestLoaderErrorNotCached(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	var loads int32

	loader := func(ctx context.Context, key string) (interface{}, error) {
		if atomic.AddInt32(&loads, 1) == 1 {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}

	if _, err := c.Get(context.Background(), "k", loader); err == nil {
		t.Fatalf("expected error on first load")
	}
	val, err := c.Get(context.Background(), "k", loader)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if val != "ok" {
		t.Fatalf("unexpected value %v", val)
	}
}

func TestEvictionFIFO(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxEntries: 2})
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)

	if _, ok := c.Peek("a"); ok {
		t.Fatalf("expected oldest entry evicted")
	}
	if _, ok := c.Peek("c"); !ok {
		t.Fatalf("expected newest entry present")
	}
}
