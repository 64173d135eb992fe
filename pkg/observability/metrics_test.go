package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataplane/warrant/pkg/observability"
)

func TestNoopMetricsRecords(t *testing.T) {
	metrics, err := observability.NewNoopMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		metrics.RecordEvaluation(ctx, true, "", 3*time.Millisecond)
		metrics.RecordEvaluation(ctx, false, "NO_AUTHORITY_PATH", 500*time.Microsecond)
		metrics.RecordExecution(ctx, "DRY_RUN", "success")
		metrics.RecordExecution(ctx, "REAL_RUN", "revoked")
	})
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *observability.Metrics
	assert.NotPanics(t, func() {
		metrics.RecordEvaluation(context.Background(), false, "SCOPE_MISMATCH", time.Millisecond)
		metrics.RecordExecution(context.Background(), "REAL_RUN", "failure")
	})
}
