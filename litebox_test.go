package boxlite

import (
	"context"
	"testing"
)

func TestRuntimeMetricsReflectsCreatedBoxes(t *testing.T) {
	rt := openTestRuntime(t)

	before := rt.Metrics()
	if _, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	after := rt.Metrics()

	if after.BoxesCreatedTotal != before.BoxesCreatedTotal+1 {
		t.Fatalf("BoxesCreatedTotal = %d, want %d", after.BoxesCreatedTotal, before.BoxesCreatedTotal+1)
	}
}

func TestBoxMetricsZeroedWithoutLiveState(t *testing.T) {
	rt := openTestRuntime(t)
	box, err := rt.Create(context.Background(), BoxOptions{ImageRef: "alpine:latest"}, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	m := box.Metrics()
	if m.CPUPercent != nil || m.MemoryBytes != nil {
		t.Fatalf("Metrics() on a never-started box should have nil VMM fields, got %+v", m)
	}
}
