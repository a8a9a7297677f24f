// Package main implements the gsi-provision CloudFormation custom resource
// Lambda handler. CloudFormation invokes it during a deployment to add two
// global secondary indexes to an existing DynamoDB table, and the handler
// reports the outcome back on the stack's callback URL.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/jarrod-lowe/dynamodb-gsi-provisioner/internal/audit"
	"github.com/jarrod-lowe/dynamodb-gsi-provisioner/internal/cfnresponse"
	"github.com/jarrod-lowe/dynamodb-gsi-provisioner/internal/gsi"
	"github.com/jarrod-lowe/dynamodb-gsi-provisioner/internal/tablewait"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: logLevelFromEnv(),
}))

// logLevelFromEnv parses LOG_LEVEL, defaulting to info when unset or invalid.
func logLevelFromEnv() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// TableWaiter blocks until the table and its indexes can accept a schema change.
type TableWaiter interface {
	WaitActive(ctx context.Context, tableName string) error
}

// IndexCreator submits one index creation request.
type IndexCreator interface {
	Create(ctx context.Context, def gsi.Definition) (gsi.Outcome, error)
}

// ResponseSender delivers the outcome to the CloudFormation callback URL.
type ResponseSender interface {
	Send(ctx context.Context, callbackURL string, response *cfnresponse.Response) error
}

// EventPublisher records provisioning outcomes for deployment auditing.
type EventPublisher interface {
	PublishProvisionEvent(ctx context.Context, event *audit.ProvisionEvent) error
}

// handler implements the custom resource provisioning logic.
type handler struct {
	waiter    TableWaiter
	creator   IndexCreator
	sender    ResponseSender
	publisher EventPublisher
	tableName string
	indexes   []gsi.Definition
}

// newHandler creates a new handler. publisher may be nil when no audit queue
// is configured.
func newHandler(waiter TableWaiter, creator IndexCreator, sender ResponseSender, publisher EventPublisher, tableName string, indexes []gsi.Definition) *handler {
	return &handler{
		waiter:    waiter,
		creator:   creator,
		sender:    sender,
		publisher: publisher,
		tableName: tableName,
		indexes:   indexes,
	}
}

// handle processes a CloudFormation custom resource event. The table is
// waited on before each index creation and once more after the last, then
// CloudFormation is told the deployment can proceed.
func (h *handler) handle(ctx context.Context, event cfn.Event) error {
	tracer := otel.Tracer("gsi-provision")
	ctx, span := tracer.Start(ctx, "GSIProvisionHandler")
	defer span.End()

	logger.InfoContext(ctx, "Received custom resource event",
		slog.String("request_type", string(event.RequestType)),
		slog.String("table_name", h.tableName),
		slog.String("stack_id", event.StackID),
		slog.String("request_id", event.RequestID),
	)

	if event.RequestType == cfn.RequestDelete {
		// Indexes stay on the table; the stack only needs an acknowledgement
		// so its deletion does not hang on this resource.
		h.respond(ctx, event, cfnresponse.StatusSuccess)
		return nil
	}

	outcomes := make([]audit.IndexOutcome, 0, len(h.indexes))
	for _, def := range h.indexes {
		if err := h.waiter.WaitActive(ctx, h.tableName); err != nil {
			return err
		}

		logger.InfoContext(ctx, "Creating index",
			slog.String("table_name", h.tableName),
			slog.String("index_name", def.IndexName),
		)

		outcome, err := h.creator.Create(ctx, def)
		switch {
		case errors.Is(err, gsi.ErrNoTimeRemaining):
			logger.ErrorContext(ctx, "Aborting before the invocation deadline",
				slog.String("index_name", def.IndexName),
				slog.String("error", err.Error()),
			)
			return err
		case errors.Is(err, gsi.ErrRetriesExhausted):
			// Exhausted retries do not fail the deployment; the outcome is
			// recorded in the log and the audit event.
			logger.ErrorContext(ctx, "Giving up on index creation",
				slog.String("index_name", def.IndexName),
				slog.String("error", err.Error()),
			)
		case err != nil:
			return err
		}

		outcomes = append(outcomes, audit.IndexOutcome{
			IndexName: def.IndexName,
			Outcome:   string(outcome),
		})
	}

	if err := h.waiter.WaitActive(ctx, h.tableName); err != nil {
		return err
	}

	h.respond(ctx, event, cfnresponse.StatusSuccess)
	h.publish(ctx, event, outcomes)

	return nil
}

// respond reports the outcome on the callback URL. When a SUCCESS report
// cannot be delivered, one FAILURE report is attempted; a FAILURE report
// that also fails is only logged.
func (h *handler) respond(ctx context.Context, event cfn.Event, status cfnresponse.Status) {
	response := &cfnresponse.Response{
		Status:             status,
		Reason:             cfnresponse.DefaultReason(lambdacontext.LogStreamName),
		PhysicalResourceID: physicalResourceID(event),
		StackID:            event.StackID,
		RequestID:          event.RequestID,
		LogicalResourceID:  event.LogicalResourceID,
	}

	err := h.sender.Send(ctx, event.ResponseURL, response)
	if err == nil {
		return
	}
	logger.ErrorContext(ctx, "Failed to send status response",
		slog.String("status", string(status)),
		slog.String("error", err.Error()),
	)
	if status != cfnresponse.StatusSuccess {
		return
	}

	response.Status = cfnresponse.StatusFailure
	if err := h.sender.Send(ctx, event.ResponseURL, response); err != nil {
		logger.ErrorContext(ctx, "Failed to send failure response",
			slog.String("error", err.Error()),
		)
	}
}

// publish records the run on the audit queue. Publication is best effort;
// a failed publish never fails the deployment.
func (h *handler) publish(ctx context.Context, event cfn.Event, outcomes []audit.IndexOutcome) {
	if h.publisher == nil {
		return
	}

	provisionEvent := &audit.ProvisionEvent{
		TableName:  h.tableName,
		Indexes:    outcomes,
		Status:     string(cfnresponse.StatusSuccess),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		StackID:    event.StackID,
		RequestID:  event.RequestID,
	}
	if err := h.publisher.PublishProvisionEvent(ctx, provisionEvent); err != nil {
		logger.ErrorContext(ctx, "Failed to publish provisioning event",
			slog.String("table_name", h.tableName),
			slog.String("error", err.Error()),
		)
	}
}

// physicalResourceID picks the identifier reported to CloudFormation.
// Updates and deletes echo the id CloudFormation already knows, so the
// resource is never flagged for replacement. A create is identified by the
// invocation's log stream, with a random fallback when no log stream is set.
func physicalResourceID(event cfn.Event) string {
	if event.PhysicalResourceID != "" {
		return event.PhysicalResourceID
	}
	if lambdacontext.LogStreamName != "" {
		return lambdacontext.LogStreamName
	}
	return "gsi-provision-" + uuid.NewString()
}

// defaultIndexes builds the two index definitions to add. Both hash on
// gsikey, the second adds gsisortkey as a range key, and both project the
// table's primary attribute.
func defaultIndexes(indexOneName, indexTwoName string) []gsi.Definition {
	return []gsi.Definition{
		{
			IndexName:        indexOneName,
			HashKey:          "gsikey",
			NonKeyAttributes: []string{"primary"},
			ReadCapacity:     5,
			WriteCapacity:    5,
		},
		{
			IndexName:        indexTwoName,
			HashKey:          "gsikey",
			RangeKey:         "gsisortkey",
			NonKeyAttributes: []string{"primary"},
			ReadCapacity:     5,
			WriteCapacity:    5,
		},
	}
}

// auditPublisher wires the optional provisioning event queue. Returns nil
// when AUDIT_QUEUE_URL is not set.
func auditPublisher(cfg aws.Config) EventPublisher {
	queueURL := os.Getenv("AUDIT_QUEUE_URL")
	if queueURL == "" {
		return nil
	}
	return audit.NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL)
}

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	// Set X-Ray propagator as global propagator for HTTP client trace context injection
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		xray.Propagator{},
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tableName := os.Getenv("TABLE_NAME")
	indexes := defaultIndexes(os.Getenv("GSI_1"), os.Getenv("GSI_2"))

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	// Instrument AWS SDK clients with OTel tracing
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	dynamoClient := dynamodb.NewFromConfig(cfg)
	waiter := tablewait.NewWaiter(dynamoClient)
	creator := gsi.NewCreator(dynamoClient, tableName)

	// Create callback HTTP client with OTel instrumentation
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	sender := cfnresponse.NewSender(httpClient)

	h := newHandler(waiter, creator, sender, auditPublisher(cfg), tableName, indexes)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
