package boxlite

import (
	"errors"
	"testing"
)

func TestLiveStateCellCachesOnSuccess(t *testing.T) {
	var c liveStateCell
	calls := 0
	init := func() (*LiveState, error) {
		calls++
		return &LiveState{ContainerID: "abc"}, nil
	}

	v1, err := c.getOrInit(init)
	if err != nil {
		t.Fatalf("getOrInit: %v", err)
	}
	v2, err := c.getOrInit(init)
	if err != nil {
		t.Fatalf("getOrInit: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("getOrInit returned different values across calls")
	}
	if calls != 1 {
		t.Fatalf("init called %d times, want 1", calls)
	}
}

func TestLiveStateCellRetriesAfterError(t *testing.T) {
	var c liveStateCell
	calls := 0
	failFirst := func() (*LiveState, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("build failed")
		}
		return &LiveState{ContainerID: "abc"}, nil
	}

	if _, err := c.getOrInit(failFirst); err == nil {
		t.Fatalf("first getOrInit should have failed")
	}
	if c.peek() != nil {
		t.Fatalf("peek() after failed init should be nil")
	}

	v, err := c.getOrInit(failFirst)
	if err != nil {
		t.Fatalf("second getOrInit: %v", err)
	}
	if v == nil {
		t.Fatalf("second getOrInit returned nil value")
	}
	if calls != 2 {
		t.Fatalf("init called %d times, want 2", calls)
	}
}

func TestLiveStateCellPeekAndClear(t *testing.T) {
	var c liveStateCell
	if c.peek() != nil {
		t.Fatalf("peek() on empty cell should be nil")
	}

	_, err := c.getOrInit(func() (*LiveState, error) {
		return &LiveState{ContainerID: "xyz"}, nil
	})
	if err != nil {
		t.Fatalf("getOrInit: %v", err)
	}
	if c.peek() == nil {
		t.Fatalf("peek() after successful init should be non-nil")
	}

	c.clear()
	if c.peek() != nil {
		t.Fatalf("peek() after clear should be nil")
	}
}
