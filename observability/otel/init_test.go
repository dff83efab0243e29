package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc , x-tenant=dsc,broken,=empty,")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "dsc",
	}, headers)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "dscd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSamplerRatio(t *testing.T) {
	require.Contains(t, Config{}.sampler().Description(), "AlwaysOnSampler")
	require.Contains(t, Config{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased{0.25}")
}
