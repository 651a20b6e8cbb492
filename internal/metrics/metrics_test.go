package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordStep(t *testing.T) {
	before := testutil.ToFloat64(GuidanceSteps.WithLabelValues("test_policy"))
	RecordStep("test_policy", []float64{4}, []float64{28, 28}, 3*time.Millisecond)
	RecordStep("test_policy", []float64{2}, []float64{14}, time.Millisecond)

	got := testutil.ToFloat64(GuidanceSteps.WithLabelValues("test_policy"))
	if got-before != 2 {
		t.Errorf("expected 2 new steps, got %v", got-before)
	}
}

func TestRecordStepError(t *testing.T) {
	before := testutil.ToFloat64(GuidanceErrors.WithLabelValues("test_policy"))
	RecordStepError("test_policy")
	if got := testutil.ToFloat64(GuidanceErrors.WithLabelValues("test_policy")); got-before != 1 {
		t.Errorf("expected 1 new error, got %v", got-before)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("phi", 5, 0)
	RecordNumericalInstability("phi", 0, 3)
	RecordNumericalInstability("phi", 0, 0)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("phi", "nan")); got < 5 {
		t.Errorf("expected at least 5 NaNs recorded, got %v", got)
	}
	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("phi", "inf")); got < 3 {
		t.Errorf("expected at least 3 Infs recorded, got %v", got)
	}
}

func TestRecordValidationError(t *testing.T) {
	RecordValidationError("bracket", "out_of_range")
	if got := testutil.ToFloat64(ValidationErrors.WithLabelValues("bracket", "out_of_range")); got < 1 {
		t.Errorf("expected validation error recorded, got %v", got)
	}
}

func TestRecordCFG1Skip(t *testing.T) {
	before := testutil.ToFloat64(CFG1Skipped)
	RecordCFG1Skip()
	if got := testutil.ToFloat64(CFG1Skipped); got-before != 1 {
		t.Errorf("expected 1 skip, got %v", got-before)
	}
}

func TestRecordNorms(t *testing.T) {
	before := testutil.CollectAndCount(DifferenceNorm)
	RecordNorms([]float64{0.5, 1.5})
	if got := testutil.CollectAndCount(DifferenceNorm); got != before {
		t.Errorf("histogram should remain a single metric, got %d", got)
	}
}
