package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{ServiceName: "patchd-test", Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "batch")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"batch"`)
}

func TestNoneAndUnknownExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Exporter: "none"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{Exporter: "jaeger"})
	assert.Error(t, err)
}
