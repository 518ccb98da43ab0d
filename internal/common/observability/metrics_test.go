package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopObservability(t *testing.T) {
	o := NewNoop()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		o.RecordTick(ctx, 10*time.Millisecond, 3)
		o.RecordDispatch(ctx, "push", "sent", time.Millisecond)
		o.RecordTransition(ctx, "webhook", "delivered")
		_, span := o.StartSpan(ctx, "queue.tick")
		span.End()
		o.Shutdown(ctx)
	})
}

func TestNilObservability(t *testing.T) {
	var o *Observability
	ctx := context.Background()

	assert.NotPanics(t, func() {
		o.RecordTick(ctx, time.Millisecond, 0)
		_, span := o.StartSpan(ctx, "webhook.ingest")
		span.End()
		o.Shutdown(ctx)
	})
}

func TestEnableTracing_EmptyEndpoint(t *testing.T) {
	o := NewNoop()
	assert.NoError(t, o.EnableTracing("fidelya-notifications", ""))
	assert.Nil(t, o.shutdownTracer)
}
