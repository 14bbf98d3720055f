package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicops/visitauth/internal/infrastructure/postgres"
)

func TestAuditTopics(t *testing.T) {
	cfgs := DefaultTopicConfigs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, "visit.audit", cfgs[0].Name)
	assert.Equal(t, postgres.DefaultOutboxConfig().DeadLetterTopic, cfgs[1].Name)
}

func TestInjectTraceHeaders(t *testing.T) {
	record := &kgo.Record{Topic: TopicAudit}
	injectTraceHeaders(context.Background(), record)
	assert.Empty(t, record.Headers)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	injectTraceHeaders(ctx, record)

	require.Len(t, record.Headers, 1)
	assert.Equal(t, "traceparent", record.Headers[0].Key)
	assert.Equal(t, "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-01", string(record.Headers[0].Value))
}
