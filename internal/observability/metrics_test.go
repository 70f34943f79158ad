package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	logs "github.com/danmuck/linkctl/internal/logging"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("node-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordFrame("open", "ok")
	RecordTransition("slave", "closed", "DISCONNECTED")
	RecordConnectAttempt("x", "sent")

	logs.Logf("observability/metrics: registration idempotent and recording paths executed")
}

func TestGaugesReflectState(t *testing.T) {
	SetShardSynced("x", true)
	if got := testutil.ToFloat64(shardSynced.WithLabelValues("x")); got != 1 {
		t.Fatalf("expected synced gauge 1, got %v", got)
	}
	SetShardSynced("x", false)
	if got := testutil.ToFloat64(shardSynced.WithLabelValues("x")); got != 0 {
		t.Fatalf("expected synced gauge 0, got %v", got)
	}

	before := testutil.ToFloat64(framesTotal.WithLabelValues("command", "FORBIDDEN_HANDLER"))
	RecordFrame("command", "FORBIDDEN_HANDLER")
	if got := testutil.ToFloat64(framesTotal.WithLabelValues("command", "FORBIDDEN_HANDLER")); got != before+1 {
		t.Fatalf("expected frame counter to advance, got %v", got)
	}
}
