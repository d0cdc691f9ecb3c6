package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/maauso/reframe-api/internal/saliency"
)

// Static errors for detector client operations.
var (
	// ErrEndpointRequired is returned when the service URL is not provided.
	ErrEndpointRequired = errors.New("detector: endpoint URL is required")
	// ErrEmptyImage is returned when Detect is called without image data.
	ErrEmptyImage = errors.New("detector: image is required")
	// ErrDetectionFailed is returned when the service reports an error in its body.
	ErrDetectionFailed = errors.New("detector: detection failed")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("detector: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("detector: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("detector: request failed")
)

// Compile-time check that HTTPClient implements Detector.
var _ Detector = (*HTTPClient)(nil)

// HTTPClient is the HTTP implementation of the Detector interface.
// It performs a single attempt per call; retry policy belongs to the caller.
type HTTPClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	kinds      []string
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithKinds restricts detection to the given kinds.
func WithKinds(kinds ...saliency.Kind) ClientOption {
	return func(c *HTTPClient) {
		c.kinds = c.kinds[:0]
		for _, k := range kinds {
			c.kinds = append(c.kinds, string(k))
		}
	}
}

// NewClient creates a new detector HTTP client for the given service URL.
// The API key can be set with WithAPIKey; otherwise DETECTOR_API_KEY is used when set.
func NewClient(endpoint string, opts ...ClientOption) (*HTTPClient, error) {
	if endpoint == "" {
		return nil, ErrEndpointRequired
	}

	c := &HTTPClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("DETECTOR_API_KEY")
	}

	return c, nil
}

// Detect sends one frame to the service and returns the validated regions.
// A region that violates the contract returns an error wrapping saliency.ErrInvalidRegion.
func (c *HTTPClient) Detect(ctx context.Context, image []byte) ([]saliency.Region, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}

	body, err := json.Marshal(detectRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
		Kinds:       c.kinds,
	})
	if err != nil {
		return nil, fmt.Errorf("detector: marshal request: %w", err)
	}

	var resp detectResponse
	if err := c.doRequest(ctx, c.endpoint+"/detect", body, &resp); err != nil {
		return nil, err
	}

	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDetectionFailed, resp.Error)
	}

	regions := make([]saliency.Region, 0, len(resp.Regions))
	for _, p := range resp.Regions {
		r, err := p.toRegion()
		if err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// toRegion converts a payload into a validated region.
func (p regionPayload) toRegion() (saliency.Region, error) {
	kind, err := saliency.ParseKind(p.Kind)
	if err != nil {
		return saliency.Region{}, err
	}

	r := saliency.NewRegion(kind, saliency.Box{
		X:      p.Box.X,
		Y:      p.Box.Y,
		Width:  p.Box.Width,
		Height: p.Box.Height,
	}, p.Confidence)
	if p.Required != nil {
		r.Required = *p.Required
	}

	if err := r.Validate(); err != nil {
		return saliency.Region{}, err
	}
	return r, nil
}

// doRequest performs a single HTTP request.
func (c *HTTPClient) doRequest(ctx context.Context, url string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("detector: create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("detector: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("detector: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
		}
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("detector: unmarshal response: %w", err)
	}
	return nil
}

// retryableError wraps errors that are worth another attempt: transport
// failures, 5xx responses and rate limiting.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retryable lets callers that only see the error value tell it apart.
func (e *retryableError) Retryable() bool {
	return true
}

// IsRetryable reports whether err came from a failure worth retrying.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
