// Package tablewait blocks until a DynamoDB table is ready for schema changes.
package tablewait

import (
	"context"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// defaultBackoffBase is the poll backoff base in seconds. It also caps the
// retry count, so no single wait exceeds defaultBackoffBase seconds.
const defaultBackoffBase = 15

// TableDescriber abstracts the DynamoDB status read for dependency inversion.
type TableDescriber interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Waiter polls a table until it and all of its global secondary indexes
// report ACTIVE. DynamoDB applies schema updates asynchronously and rejects
// a new update while a previous one is still in flight.
type Waiter struct {
	client    TableDescriber
	base      int
	sleepFunc func(time.Duration)
}

// NewWaiter creates a Waiter with default backoff settings.
func NewWaiter(client TableDescriber) *Waiter {
	return &Waiter{
		client:    client,
		base:      defaultBackoffBase,
		sleepFunc: time.Sleep,
	}
}

// WaitActive blocks until the table and all of its indexes are ACTIVE.
// It polls the table status first, then the index statuses, sleeping an
// increasing backoff before each poll. Status reads that fail are treated
// as ready rather than blocking the wait. The only error returned is a
// context cancellation or deadline.
func (w *Waiter) WaitActive(ctx context.Context, tableName string) error {
	tracer := otel.Tracer("gsi-provisioner")
	ctx, span := tracer.Start(ctx, "tablewait.WaitActive",
		trace.WithAttributes(attribute.String("table_name", tableName)))
	defer span.End()

	if err := w.waitFor(ctx, tableName, w.tableActive); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := w.waitFor(ctx, tableName, w.indexesActive); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// waitFor sleeps and polls until check reports ready.
func (w *Waiter) waitFor(ctx context.Context, tableName string, check func(ctx context.Context, tableName string) bool) error {
	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if delay := backoffDelay(w.base, retry); w.sleepFunc != nil && delay > 0 {
			w.sleepFunc(delay)
		}
		if check(ctx, tableName) {
			return nil
		}
	}
}

// backoffDelay computes the wait before the poll for the given retry count.
// Delays grow as floor(base^(retry/base)) seconds, with the retry count
// capped at base.
func backoffDelay(base, retry int) time.Duration {
	if retry > base {
		retry = base
	}
	seconds := math.Floor(math.Pow(float64(base), float64(retry)/float64(base)))
	return time.Duration(seconds) * time.Second
}

// tableActive reports whether the table itself is ACTIVE. A failed status
// read, or a response without a status, counts as active.
func (w *Waiter) tableActive(ctx context.Context, tableName string) bool {
	out, err := w.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil || out.Table == nil || out.Table.TableStatus == "" {
		return true
	}
	return out.Table.TableStatus == types.TableStatusActive
}

// indexesActive reports whether every global secondary index is ACTIVE.
// A table without indexes, or a failed status read, counts as active.
func (w *Waiter) indexesActive(ctx context.Context, tableName string) bool {
	out, err := w.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil || out.Table == nil {
		return true
	}
	for _, index := range out.Table.GlobalSecondaryIndexes {
		if index.IndexStatus != "" && index.IndexStatus != types.IndexStatusActive {
			return false
		}
	}
	return true
}
