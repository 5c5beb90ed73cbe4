package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStep(t *testing.T) {
	before := TotalTokens()
	RecordStep(0, 10, 2, 5*time.Millisecond)
	RecordStep(1, 6, 2, 3*time.Millisecond)

	if got := TotalTokens() - before; got != 16 {
		t.Errorf("expected 16 tokens recorded, got %d", got)
	}
}

func TestRecordOverlay(t *testing.T) {
	steps := testutil.ToFloat64(OverlayStepsTotal)
	tokens := testutil.ToFloat64(OverlayTokensTotal)

	RecordOverlay(0)
	RecordOverlay(5)

	if got := testutil.ToFloat64(OverlayStepsTotal) - steps; got != 1 {
		t.Errorf("expected one overlay step, got %v", got)
	}
	if got := testutil.ToFloat64(OverlayTokensTotal) - tokens; got != 5 {
		t.Errorf("expected 5 overlay tokens, got %v", got)
	}
}

func TestRecordProjection(t *testing.T) {
	c := ProjectorStrategy.WithLabelValues("overlapped")
	before := testutil.ToFloat64(c)
	RecordProjection("overlapped", 4)
	RecordProjection("overlapped", 0)
	if got := testutil.ToFloat64(c) - before; got != 2 {
		t.Errorf("expected 2 projections, got %v", got)
	}
}

func TestRecordCollective(t *testing.T) {
	c := CollectiveElements.WithLabelValues("all_gather")
	before := testutil.ToFloat64(c)
	RecordCollective("all_gather", 128)
	if got := testutil.ToFloat64(c) - before; got != 128 {
		t.Errorf("expected 128 elements, got %v", got)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("embedding", 5, 0)
	RecordNumericalInstability("embedding", 0, 3)
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("embedding", "inf")); got < 3 {
		t.Errorf("expected at least 3 infs, got %v", got)
	}
}

func TestRecordMisc(t *testing.T) {
	RecordDeviceError("gemm")
	RecordContractViolation("decoder_input")
	RecordDeviceMemory(1 << 20)
	RecordScratch(true)
	RecordScratch(false)
	RecordKernelDuration("gemm", time.Millisecond)
	RecordPhase("project", 0, time.Millisecond)
	RecordSampled(4)

	if got := testutil.ToFloat64(DeviceMemoryAllocated); got != 1<<20 {
		t.Errorf("expected gauge 1MiB, got %v", got)
	}
}
