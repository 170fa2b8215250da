package traces

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func TestLogrusHook_ForwardsEntries(t *testing.T) {
	var buf bytes.Buffer
	exporter, err := stdoutlog.New(stdoutlog.WithWriter(&buf))
	require.NoError(t, err)
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewSimpleProcessor(exporter)))
	defer provider.Shutdown(context.Background())

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	logger.AddHook(NewLogrusHook(provider.Logger("test"), logrus.WarnLevel))

	logger.WithField("document_id", "doc-1").WithError(errors.New("boom")).Warn("document delivery failed")
	logger.Info("drain finished")

	out := buf.String()
	assert.Contains(t, out, "document delivery failed")
	assert.Contains(t, out, "doc-1")
	assert.Contains(t, out, "boom")
	assert.NotContains(t, out, "drain finished")
}

func TestLogrusHook_Levels(t *testing.T) {
	hook := NewLogrusHook(nil, logrus.ErrorLevel)
	assert.Equal(t, []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}, hook.Levels())
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, otellog.SeverityError, severity(logrus.ErrorLevel))
	assert.Equal(t, otellog.SeverityWarn, severity(logrus.WarnLevel))
	assert.Equal(t, otellog.SeverityFatal, severity(logrus.PanicLevel))
	assert.Equal(t, otellog.SeverityTrace, severity(logrus.TraceLevel))
}

func TestSetupOTelSDK(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")

	shutdown, err := SetupOTelSDK(context.Background(), "spartan-test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}
