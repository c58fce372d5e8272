package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithOptions_ExportsSpans(t *testing.T) {
	var traces bytes.Buffer
	tel, err := SetupWithOptions(Options{
		ServiceName:    "repricer-test",
		ServiceVersion: "dev",
		Traces:         true,
		TraceOutput:    &traces,
	})
	require.NoError(t, err)

	_, span := GetTracer("test").Start(context.Background(), "reconcile.pass")
	span.End()
	GetGlobalMetrics().RecordReconcileRun(context.Background(), "completed")

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, traces.String(), "reconcile.pass")
	assert.Contains(t, traces.String(), "repricer-test")
}
