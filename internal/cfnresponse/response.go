// Package cfnresponse delivers custom resource results to the CloudFormation
// callback URL supplied in the triggering event.
package cfnresponse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCallbackRejected indicates the callback endpoint refused the payload.
var ErrCallbackRejected = errors.New("callback endpoint rejected the response")

// Status is the reported deployment outcome.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Response is the payload CloudFormation expects on the callback URL.
// The correlation fields are copied verbatim from the triggering event.
type Response struct {
	Status             Status `json:"Status"`
	Reason             string `json:"Reason"`
	PhysicalResourceID string `json:"PhysicalResourceId"`
	StackID            string `json:"StackId"`
	RequestID          string `json:"RequestId"`
	LogicalResourceID  string `json:"LogicalResourceId"`
}

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender PUTs responses to the pre-signed callback URL.
type Sender struct {
	httpClient HTTPDoer
}

// NewSender creates a new Sender.
func NewSender(httpClient HTTPDoer) *Sender {
	return &Sender{httpClient: httpClient}
}

// Send delivers the response with a single PUT and no retries. The content
// type is left empty because the pre-signed URL's signature covers an empty
// content type.
func (s *Sender) Send(ctx context.Context, callbackURL string, response *Response) error {
	tracer := otel.Tracer("gsi-provisioner")
	ctx, span := tracer.Start(ctx, "cfnresponse.Send",
		trace.WithAttributes(attribute.String("status", string(response.Status))))
	defer span.End()

	body, err := json.Marshal(response)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, callbackURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	req.Header.Set("Content-Type", "")
	req.ContentLength = int64(len(body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("%w: status %d", ErrCallbackRejected, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

// DefaultReason points the operator at the invocation's log stream.
func DefaultReason(logStreamName string) string {
	return "See the details in CloudWatch Log Stream: " + logStreamName
}
