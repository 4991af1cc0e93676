package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(decisions.WithLabelValues("held_locked"))
	RecordDecision("held_locked", 3*time.Millisecond)
	assert.InDelta(t, before+1, testutil.ToFloat64(decisions.WithLabelValues("held_locked")), 0.0001)

	supBefore := testutil.ToFloat64(observationsSuperseded)
	RecordProposed("ai_inference", 2)
	RecordProposed("ai_inference", 0)
	assert.InDelta(t, supBefore+2, testutil.ToFloat64(observationsSuperseded), 0.0001)

	expBefore := testutil.ToFloat64(observationsExpired)
	RecordExpired(0)
	RecordExpired(4)
	assert.InDelta(t, expBefore+4, testutil.ToFloat64(observationsExpired), 0.0001)

	RecordBatchStarted("manual_excel")
	RecordBatchRow("failed")
	RecordBatchCompleted("manual_excel", "partial")
	RecordSweep("ok")
	RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(batchesCompleted.WithLabelValues("manual_excel", "partial")), 0.0001)
}
