package cacheutil

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWriteThroughSkipsMirrorOnFailure(t *testing.T) {
	applied := false
	err := WriteThrough(func() { applied = true }, func() error { return errors.New("disk I/O error") })
	if err == nil || applied {
		t.Fatalf("mirror must not change on failed write (err=%v applied=%v)", err, applied)
	}

	if err := WriteThrough(func() { applied = true }, func() error { return nil }); err != nil || !applied {
		t.Fatalf("mirror should change on success (err=%v applied=%v)", err, applied)
	}
}

func TestReadThroughFetchesOnceWhileFresh(t *testing.T) {
	var (
		mu       sync.RWMutex
		cached   int
		loadedAt time.Time
		fetches  int
	)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	check := func(now time.Time) (int, bool) {
		if !loadedAt.IsZero() && now.Sub(loadedAt) < time.Minute {
			return cached, true
		}
		return 0, false
	}
	fetch := func(now time.Time) (int, error) {
		fetches++
		cached = fetches
		loadedAt = now
		return cached, nil
	}

	for i := 0; i < 3; i++ {
		v, err := ReadThrough(&mu, now, check, fetch)
		if err != nil || v != 1 {
			t.Fatalf("read %d: got %d, %v", i, v, err)
		}
	}

	clock = clock.Add(2 * time.Minute)
	if v, _ := ReadThrough(&mu, now, check, fetch); v != 2 {
		t.Fatalf("expected reload after expiry, got %d", v)
	}
}
