package audit

import (
	"context"

	"github.com/google/uuid"
)

// HeaderCorrelationID is sent on every outbound provider request.
const HeaderCorrelationID = "X-Correlation-ID"

type correlationKey struct{}
type subjectKey struct{}

// Subject names what an outbound call is about, so the transport can index it.
type Subject struct {
	ProviderID *uint
	EntityType string
	EntityID   *uint
	Action     string
}

// WithCorrelationID attaches a correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns ctx with a correlation id, minting one when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return WithCorrelationID(ctx, id), id
}

func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

func SubjectFrom(ctx context.Context) Subject {
	s, _ := ctx.Value(subjectKey{}).(Subject)
	return s
}
