package marqs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// InjectTraceContext propagates ctx's active trace into a header map
// suitable for storing on MessageEnvelope.TraceContext. Enqueue calls this
// automatically when a caller doesn't supply its own TraceContext.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return map[string]string(carrier)
}

// ExtractTraceContext restores a context carrying the trace a message was
// enqueued under, so a consumer processing a dequeued message can continue
// that trace across the queue boundary.
func ExtractTraceContext(ctx context.Context, tc map[string]string) context.Context {
	if len(tc) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(tc))
}

const tracerName = "github.com/triggerdotdev/marqs/internal/marqs"

// tracerAdapter wraps the global OpenTelemetry tracer with MarQS's
// attribute conventions, grounded in the span.SetAttributes /
// span.RecordError / span.SetStatus usage of the reference lockd handler.
type tracerAdapter struct {
	tracer trace.Tracer
}

func newTracerAdapter() *tracerAdapter {
	return &tracerAdapter{tracer: otel.Tracer(tracerName)}
}

// messagingOperation maps an internal op name to the messaging-semantic
// value (publish/receive/ack/nack/replace) OpenTelemetry expects.
func messagingOperation(op string) string {
	switch op {
	case "enqueue":
		return "publish"
	case "dequeue":
		return "receive"
	case "ack", "nack", "replace":
		return op
	default:
		return op
	}
}

type brokerSpan struct {
	span    trace.Span
	aborted bool
}

func (t *tracerAdapter) startSpan(ctx context.Context, op, env, queue, concurrencyKey, messageID string) (context.Context, *brokerSpan) {
	kind := trace.SpanKindConsumer
	if op == "enqueue" {
		kind = trace.SpanKindProducer
	}
	ctx, span := t.tracer.Start(ctx, "marqs."+op, trace.WithSpanKind(kind))
	attrs := []attribute.KeyValue{
		attribute.String("messaging.system", "marqs"),
		attribute.String("messaging.operation", messagingOperation(op)),
	}
	if env != "" {
		attrs = append(attrs, attribute.String("marqs.env", env))
	}
	if queue != "" {
		attrs = append(attrs, attribute.String("marqs.queue", queue))
	}
	if concurrencyKey != "" {
		attrs = append(attrs, attribute.String("marqs.concurrencyKey", concurrencyKey))
	}
	if messageID != "" {
		attrs = append(attrs, attribute.String("messaging.message_id", messageID))
		attrs = append(attrs, attribute.String("marqs.messageId", messageID))
	}
	span.SetAttributes(attrs...)
	return ctx, &brokerSpan{span: span}
}

// fail records err on the span, marks it as an error, and returns err
// unchanged so callers can write "return span.fail(err)".
func (s *brokerSpan) fail(err error) error {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	return err
}

// idle marks a dequeue that found nothing to do. This is the "cooperative
// span abort": the operation didn't fail, but it also didn't do anything,
// so the absence of an end signals idle rather than the span being given
// an Ok status that would read identically to real work. end() honors
// this by skipping span.End() once idle has been called.
func (s *brokerSpan) idle() {
	s.span.AddEvent("marqs.idle")
	s.aborted = true
}

func (s *brokerSpan) setParentQueue(parentQueue string) {
	s.span.SetAttributes(attribute.String("marqs.parentQueue", parentQueue))
}

func (s *brokerSpan) setCandidateRange(sel CandidateSelection) {
	s.span.SetAttributes(attribute.String("marqs.nextRange", itoaIndex64(sel.Lo)+"-"+itoaIndex64(sel.Hi)))
}

func (s *brokerSpan) setQueueCandidates(candidates []QueueWithScore) {
	s.span.SetAttributes(attribute.Int("marqs.queueCount", len(candidates)))
	for i, c := range candidates {
		if i >= 20 {
			break
		}
		s.span.SetAttributes(
			attribute.String(queuesAttrKey(i), c.Queue),
			attribute.Int64(queuesWithScoresAttrKey(i), c.Score),
		)
	}
}

func (s *brokerSpan) setQueueChoice(queue string) {
	s.span.SetAttributes(attribute.String("marqs.queueChoice", queue))
}

func (s *brokerSpan) setMessageID(messageID string) {
	s.span.SetAttributes(attribute.String("marqs.messageId", messageID))
}

func (s *brokerSpan) end() {
	if s.aborted {
		return
	}
	s.span.End()
}

func queuesAttrKey(i int) string {
	return "marqs.queues." + itoaIndex(i)
}

func queuesWithScoresAttrKey(i int) string {
	return "marqs.queuesWithScores." + itoaIndex(i)
}

func itoaIndex(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
