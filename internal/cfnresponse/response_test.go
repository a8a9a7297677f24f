package cfnresponse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

// fakeHTTPDoer implements HTTPDoer for testing.
type fakeHTTPDoer struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (f *fakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	if f.doFunc != nil {
		return f.doFunc(req)
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func testResponse() *Response {
	return &Response{
		Status:             StatusSuccess,
		Reason:             "See the details in CloudWatch Log Stream: 2026/08/23/[$LATEST]abc123",
		PhysicalResourceID: "2026/08/23/[$LATEST]abc123",
		StackID:            "arn:aws:cloudformation:us-east-1:123456789012:stack/orders/guid",
		RequestID:          "req-7c38fb",
		LogicalResourceID:  "AddTableIndexes",
	}
}

func TestSend_PutsToCallbackURL(t *testing.T) {
	var capturedMethod, capturedURL string
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedMethod = req.Method
			capturedURL = req.URL.String()
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
		},
	}

	s := NewSender(fake)

	err := s.Send(context.Background(), "https://cloudformation.example.com/callback?sig=abc", testResponse())
	if err != nil {
		t.Fatalf("Send error = %v, want nil", err)
	}
	if capturedMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", capturedMethod)
	}
	if capturedURL != "https://cloudformation.example.com/callback?sig=abc" {
		t.Errorf("URL = %q, want the callback URL", capturedURL)
	}
}

// Test: the payload carries all six fields with the ids untouched
func TestSend_PayloadCarriesAllFields(t *testing.T) {
	var capturedBody []byte
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedBody, _ = io.ReadAll(req.Body)
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
		},
	}

	s := NewSender(fake)

	response := testResponse()
	if err := s.Send(context.Background(), "https://cloudformation.example.com/callback", response); err != nil {
		t.Fatalf("Send error = %v, want nil", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(capturedBody, &payload); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}

	want := map[string]string{
		"Status":             "SUCCESS",
		"Reason":             response.Reason,
		"PhysicalResourceId": response.PhysicalResourceID,
		"StackId":            response.StackID,
		"RequestId":          response.RequestID,
		"LogicalResourceId":  response.LogicalResourceID,
	}
	for field, value := range want {
		got, ok := payload[field]
		if !ok {
			t.Errorf("payload missing field %q", field)
			continue
		}
		if got != value {
			t.Errorf("payload[%q] = %q, want %q", field, got, value)
		}
	}
}

// Test: the request carries an explicitly empty content type
func TestSend_SetsEmptyContentType(t *testing.T) {
	var capturedHeader []string
	var capturedLength int64
	var bodyLength int
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			capturedHeader = req.Header.Values("Content-Type")
			capturedLength = req.ContentLength
			body, _ := io.ReadAll(req.Body)
			bodyLength = len(body)
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
		},
	}

	s := NewSender(fake)

	if err := s.Send(context.Background(), "https://cloudformation.example.com/callback", testResponse()); err != nil {
		t.Fatalf("Send error = %v, want nil", err)
	}

	if len(capturedHeader) != 1 || capturedHeader[0] != "" {
		t.Errorf("Content-Type values = %v, want a single empty value", capturedHeader)
	}
	if capturedLength != int64(bodyLength) {
		t.Errorf("ContentLength = %d, want body length %d", capturedLength, bodyLength)
	}
}

func TestSend_NetworkErrorReturnsError(t *testing.T) {
	calls := 0
	fake := &fakeHTTPDoer{
		doFunc: func(req *http.Request) (*http.Response, error) {
			calls++
			return nil, errors.New("connection refused")
		},
	}

	s := NewSender(fake)

	err := s.Send(context.Background(), "https://cloudformation.example.com/callback", testResponse())
	if err == nil {
		t.Fatal("Send should return error on network failure")
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1 (no retries)", calls)
	}
}

func TestSend_RejectedStatusReturnsError(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusInternalServerError} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			fake := &fakeHTTPDoer{
				doFunc: func(req *http.Request) (*http.Response, error) {
					return &http.Response{StatusCode: code, Body: http.NoBody}, nil
				},
			}

			s := NewSender(fake)

			err := s.Send(context.Background(), "https://cloudformation.example.com/callback", testResponse())
			if !errors.Is(err, ErrCallbackRejected) {
				t.Errorf("error = %v, want ErrCallbackRejected", err)
			}
		})
	}
}

func TestSend_OKReturnsNil(t *testing.T) {
	s := NewSender(&fakeHTTPDoer{})

	if err := s.Send(context.Background(), "https://cloudformation.example.com/callback", testResponse()); err != nil {
		t.Errorf("Send error = %v, want nil", err)
	}
}

func TestDefaultReason_PointsAtLogStream(t *testing.T) {
	got := DefaultReason("2026/08/23/[$LATEST]abc123")
	want := "See the details in CloudWatch Log Stream: 2026/08/23/[$LATEST]abc123"
	if got != want {
		t.Errorf("DefaultReason = %q, want %q", got, want)
	}
}
