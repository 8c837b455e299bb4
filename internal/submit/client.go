// Package submit delivers shop records to the collection endpoint.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fieldkit/shopcollector/internal/metrics"
)

const (
	defaultTimeout      = 30 * time.Second
	maxResponseBodySize = 1 << 20 // 1MB
	successStatus       = "SUCCESS"
)

// Client posts records to a collection endpoint. It makes exactly one
// request per Submit and never retries.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	inFlight   atomic.Bool
	logger     *slog.Logger
}

// NewClient creates a Client for endpoint. A nil httpClient uses
// http.DefaultClient; a timeout <= 0 defaults to 30s.
func NewClient(endpoint string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint:   strings.TrimSpace(endpoint),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     slog.Default(),
	}
}

// Submit checks rec locally, then posts it once. Local failures never touch
// the network. Only one Submit may be in flight; a concurrent call returns
// InFlight.
func (c *Client) Submit(ctx context.Context, rec Record) Outcome {
	if out, ok := precheck(rec); !ok {
		metrics.Submissions.WithLabelValues(out.Kind.String()).Inc()
		return out
	}

	if !c.inFlight.CompareAndSwap(false, true) {
		metrics.Submissions.WithLabelValues(InFlight.String()).Inc()
		return Outcome{Kind: InFlight}
	}
	defer c.inFlight.Store(false)

	attemptID := uuid.New().String()
	start := time.Now()
	out := c.deliver(ctx, rec)
	out.AttemptID = attemptID

	metrics.Submissions.WithLabelValues(out.Kind.String()).Inc()
	metrics.SubmissionDuration.Observe(float64(time.Since(start).Milliseconds()))
	c.logger.Info("submission finished",
		"attempt_id", attemptID,
		"shop", rec.ShopName,
		"outcome", out.Kind.String(),
		"status_code", out.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

// precheck runs the synchronous preconditions.
func precheck(rec Record) (Outcome, bool) {
	if rec.Photo == nil {
		return Outcome{Kind: MissingPhoto}, false
	}
	if rec.Fix == nil {
		return Outcome{Kind: MissingLocation}, false
	}
	if strings.TrimSpace(rec.ShopName) == "" {
		return Outcome{Kind: InvalidRecord, Message: "shop name is required"}, false
	}
	if rec.Popularity < 1 || rec.Popularity > 5 {
		return Outcome{Kind: InvalidRecord, Message: fmt.Sprintf("popularity must be between 1 and 5, got %d", rec.Popularity)}, false
	}
	return Outcome{}, true
}

func encodePayload(rec Record) ([]byte, error) {
	p := payload{
		ShopName:        strings.TrimSpace(rec.ShopName),
		Remark:          rec.Remark,
		Popularity:      rec.Popularity,
		Latitude:        strconv.FormatFloat(rec.Fix.Latitude, 'f', 6, 64),
		Longitude:       strconv.FormatFloat(rec.Fix.Longitude, 'f', 6, 64),
		Accuracy:        strconv.FormatFloat(math.Round(rec.Fix.AccuracyMeters), 'f', 0, 64),
		FileData:        rec.Photo.EncodedData,
		FileName:        rec.Photo.FileName,
		MimeType:        rec.Photo.MIMEType,
		ClientTimestamp: rec.ClientTimestamp.UTC().Format(time.RFC3339),
	}
	return json.Marshal(p)
}

func (c *Client) deliver(ctx context.Context, rec Record) Outcome {
	body, err := encodePayload(rec)
	if err != nil {
		return Outcome{Kind: InvalidRecord, Message: "could not encode record", Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: TransportFailure, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Kind: TransportFailure, Err: fmt.Errorf("executing request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out := Outcome{
			Kind:       TransportFailure,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
		var parsed endpointResponse
		if json.Unmarshal(respBody, &parsed) == nil {
			out.Message = parsed.Message
		}
		return out
	}
	if err != nil {
		return Outcome{Kind: TransportFailure, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	var parsed endpointResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Outcome{
			Kind:       ApplicationFailure,
			StatusCode: resp.StatusCode,
			Message:    "endpoint returned an unreadable response",
			Err:        fmt.Errorf("decoding response: %w", err),
		}
	}
	if parsed.Status != successStatus {
		msg := parsed.Message
		if msg == "" && parsed.Status != "" {
			msg = "endpoint reported status " + parsed.Status
		}
		return Outcome{Kind: ApplicationFailure, StatusCode: resp.StatusCode, Message: msg}
	}
	return Outcome{Kind: Success, StatusCode: resp.StatusCode}
}
