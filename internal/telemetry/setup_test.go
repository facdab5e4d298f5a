package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/acme/mass-dispatch/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.AppConfig{Name: "mass-dispatch"}, config.TelemetryConfig{}, "api")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestAttributesNameComponent(t *testing.T) {
	app := config.AppConfig{Name: "mass-dispatch", Env: "staging", Version: "1.2.0"}
	attrs := attributes(app, config.TelemetryConfig{}, "delete-worker")

	values := map[string]string{}
	for _, kv := range attrs {
		values[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "mass-dispatch-delete-worker", values[string(semconv.ServiceNameKey)])
	assert.Equal(t, "1.2.0", values[string(semconv.ServiceVersionKey)])
	assert.Equal(t, "staging", values[string(semconv.DeploymentEnvironmentKey)])
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 1.0, sampleRatio(0))
	assert.Equal(t, 1.0, sampleRatio(3))
	assert.Equal(t, 0.25, sampleRatio(0.25))
}
