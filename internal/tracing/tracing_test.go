package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabled(t *testing.T) {
	tracer, closer, err := InitTracer(Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, opentracing.NoopTracer{}, tracer)
	assert.NoError(t, closer.Close())
}

func TestSpanHelpers(t *testing.T) {
	mt := mocktracer.New()
	previous := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(mt)
	defer opentracing.SetGlobalTracer(previous)

	span, ctx := StartSpan(context.Background(), "transcoder.transcode")
	require.NotNil(t, opentracing.SpanFromContext(ctx))

	SetTag(span, "output.mime", "video/webm")
	LogError(span, errors.New("boom"))
	FinishSpan(span)

	finished := mt.FinishedSpans()
	require.Len(t, finished, 1)
	assert.Equal(t, "transcoder.transcode", finished[0].OperationName)
	assert.Equal(t, "video/webm", finished[0].Tag("output.mime"))
	assert.Equal(t, true, finished[0].Tag("error"))
}

func TestTrace(t *testing.T) {
	mt := mocktracer.New()
	previous := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(mt)
	defer opentracing.SetGlobalTracer(previous)

	err := Trace(context.Background(), "clips.download", func(ctx context.Context) error {
		assert.NotNil(t, opentracing.SpanFromContext(ctx))
		return errors.New("no such key")
	})
	assert.EqualError(t, err, "no such key")
	require.NoError(t, Trace(context.Background(), "clips.upload", func(context.Context) error { return nil }))

	finished := mt.FinishedSpans()
	require.Len(t, finished, 2)
	assert.Equal(t, "clips.download", finished[0].OperationName)
	assert.Equal(t, true, finished[0].Tag("error"))
	assert.Nil(t, finished[1].Tag("error"))
}

func TestNilSpanHelpers(t *testing.T) {
	assert.NotPanics(t, func() {
		FinishSpan(nil)
		LogError(nil, errors.New("ignored"))
		SetTag(nil, "k", "v")
	})
}
