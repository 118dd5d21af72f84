package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/bmdtechnologies/portal/internal/models"
	"github.com/bmdtechnologies/portal/internal/wizard"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInitLoggerFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := initLogger(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("Wizard.SubmitEmail: advanced", "flow", "login")
	assert.Contains(t, buf.String(), `"msg":"Wizard.SubmitEmail: advanced"`)
	assert.NotContains(t, buf.String(), "hidden")

	buf.Reset()
	initLogger(&buf, "debug", "text")
	slog.Debug("Session.Send: reply scheduled")
	assert.Contains(t, buf.String(), `msg="Session.Send: reply scheduled"`)
}

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	m, err := NewMetricsWithMeter(provider.Meter("portal-test"))
	require.NoError(t, err)
	return m, reader
}

// sumPoints returns the data points of the named int64 counter.
func sumPoints(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != name {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			return sum.DataPoints
		}
	}
	return nil
}

func attr(dp metricdata.DataPoint[int64], key string) string {
	v, _ := dp.Attributes.Value(attribute.Key(key))
	return v.AsString()
}

func TestWizardHooksRecord(t *testing.T) {
	m, reader := newTestMetrics(t)
	hooks := m.WizardHooks()

	hooks.OnTransition(models.FlowLogin, models.StepEmailEntry, models.StepMethodSelect)
	hooks.OnOperation(models.FlowLogin, wizard.ActionSubmitEmail, nil)
	hooks.OnOperation(models.FlowLogin, wizard.ActionSubmitCode, errors.New("bad code"))

	transitions := sumPoints(t, reader, "portal.wizard.transitions")
	require.Len(t, transitions, 1)
	assert.Equal(t, int64(1), transitions[0].Value)
	assert.Equal(t, "login", attr(transitions[0], "flow"))
	assert.Equal(t, string(models.StepMethodSelect), attr(transitions[0], "to"))

	ops := sumPoints(t, reader, "portal.wizard.operations")
	require.Len(t, ops, 2)
	outcomes := map[string]int64{}
	for _, dp := range ops {
		outcomes[attr(dp, "outcome")] += dp.Value
	}
	assert.Equal(t, map[string]int64{"ok": 1, "error": 1}, outcomes)
}

func TestChatAndDispatchHooksRecord(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.ChatHooks().OnReply(models.ChatKindWidget, "survey")
	m.ChatHooks().OnReply(models.ChatKindWidget, "survey")
	m.DispatchHooks().OnDispatch(models.ChannelSMS, "otp", models.MessageStatusSent)
	m.RecordRateLimited(context.Background(), "otp")

	replies := sumPoints(t, reader, "portal.chat.replies")
	require.Len(t, replies, 1)
	assert.Equal(t, int64(2), replies[0].Value)
	assert.Equal(t, "survey", attr(replies[0], "rule"))

	dispatches := sumPoints(t, reader, "portal.messaging.dispatches")
	require.Len(t, dispatches, 1)
	assert.Equal(t, "sms", attr(dispatches[0], "channel"))
	assert.Equal(t, "sent", attr(dispatches[0], "status"))

	limited := sumPoints(t, reader, "portal.ratelimit.rejections")
	require.Len(t, limited, 1)
	assert.Equal(t, "otp", attr(limited[0], "scope"))
}

func TestMeterProviderCarriesServiceName(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider, err := newMeterProvider(reader, "portal-api")
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetricsWithMeter(provider.Meter("portal"))
	require.NoError(t, err)
	m.RecordRateLimited(context.Background(), "http")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	name, ok := rm.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "portal-api", name.AsString())
	require.NotEmpty(t, rm.ScopeMetrics)
}

func TestInitMeterInstallsGlobalProvider(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:1")

	shutdown, err := InitMeter(t.Context(), "portal-api")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_ = shutdown(ctx)
	})

	_, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, ok, "global meter provider is %T", otel.GetMeterProvider())
	_, err = NewMetrics()
	assert.NoError(t, err)
}
