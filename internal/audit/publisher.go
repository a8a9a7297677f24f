// Package audit publishes index provisioning outcomes to an SQS queue.
package audit

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// IndexOutcome records how the creation of a single index concluded.
type IndexOutcome struct {
	IndexName string `json:"indexName"`
	Outcome   string `json:"outcome"`
}

// ProvisionEvent is the SQS message body describing one provisioning run.
type ProvisionEvent struct {
	TableName  string         `json:"tableName"`
	Indexes    []IndexOutcome `json:"indexes"`
	Status     string         `json:"status"`
	OccurredAt string         `json:"occurredAt"`
	StackID    string         `json:"stackId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes provisioning events to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishProvisionEvent sends a provisioning event to SQS.
func (p *SQSPublisher) PublishProvisionEvent(ctx context.Context, event *ProvisionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	return err
}
