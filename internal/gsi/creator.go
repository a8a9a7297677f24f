package gsi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error types for index creation.
var (
	ErrNoTimeRemaining  = errors.New("not enough invocation time remaining")
	ErrRetriesExhausted = errors.New("index creation retries exhausted")
)

// Outcome describes how an index creation request concluded.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already-exists"
	OutcomeExhausted     Outcome = "exhausted"
)

// TableUpdater abstracts the DynamoDB schema mutation for dependency inversion.
type TableUpdater interface {
	UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
}

// RetryPolicy bounds the creation attempts for one index.
type RetryPolicy struct {
	// MaxAttempts is the total number of UpdateTable calls before giving up.
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// MinRemaining aborts an attempt when the invocation deadline is closer
	// than this, instead of starting a call that would be cut off mid-flight.
	MinRemaining time.Duration
}

// DefaultRetryPolicy is the deployment default: five attempts thirty seconds
// apart, aborting inside the last ten seconds of the invocation.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:  5,
	Delay:        30 * time.Second,
	MinRemaining: 10 * time.Second,
}

// Creator adds global secondary indexes to one table.
type Creator struct {
	client    TableUpdater
	tableName string
	policy    RetryPolicy
	sleepFunc func(time.Duration)
}

// NewCreator creates a Creator with the default retry policy.
func NewCreator(client TableUpdater, tableName string) *Creator {
	return &Creator{
		client:    client,
		tableName: tableName,
		policy:    DefaultRetryPolicy,
		sleepFunc: time.Sleep,
	}
}

// Create submits the index creation, retrying per the policy. An index that
// already exists counts as success, so a deployment can be re-run safely.
// Exhausting the attempts returns OutcomeExhausted with ErrRetriesExhausted
// wrapping the last attempt error; whether that fails the deployment is the
// caller's decision. ErrNoTimeRemaining is returned, without a network call,
// when the invocation deadline is less than MinRemaining away.
func (c *Creator) Create(ctx context.Context, def Definition) (Outcome, error) {
	tracer := otel.Tracer("gsi-provisioner")
	ctx, span := tracer.Start(ctx, "gsi.Create",
		trace.WithAttributes(
			attribute.String("table_name", c.tableName),
			attribute.String("index_name", def.IndexName),
		))
	defer span.End()

	maxAttempts := c.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}

		// Sleep between attempts, not before the first
		if attempt > 0 && c.sleepFunc != nil && c.policy.Delay > 0 {
			c.sleepFunc(c.policy.Delay)
		}

		if remaining, bounded := remainingTime(ctx); bounded && remaining <= c.policy.MinRemaining {
			err := fmt.Errorf("%w: %v until the deadline", ErrNoTimeRemaining, remaining)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}

		_, err := c.client.UpdateTable(ctx, def.updateTableInput(c.tableName))
		if err == nil {
			span.SetAttributes(attribute.String("outcome", string(OutcomeCreated)))
			return OutcomeCreated, nil
		}
		if indexAlreadyExists(err) {
			span.SetAttributes(attribute.String("outcome", string(OutcomeAlreadyExists)))
			return OutcomeAlreadyExists, nil
		}
		lastErr = err
	}

	err := fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, maxAttempts, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("outcome", string(OutcomeExhausted)))
	return OutcomeExhausted, err
}

// remainingTime reports how long until the context deadline. bounded is
// false when the context carries no deadline.
func remainingTime(ctx context.Context) (remaining time.Duration, bounded bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	return time.Until(deadline), true
}

// indexAlreadyExists reports whether the service rejected the update because
// an index with that name is already on the table.
func indexAlreadyExists(err error) bool {
	return strings.Contains(err.Error(), "already exists")
}
