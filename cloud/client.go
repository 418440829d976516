package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = 4 << 20
	DefaultUserAgent        = "shellyd-agent"
)

// StatusFields are the status components requested for every device.
var StatusFields = []string{"ts", "temperature:0", "humidity:0", "devicepower:0", "sys"}

// PollRequest is the body of a device state query
type PollRequest struct {
	IDs    []string `json:"ids"`
	Select []string `json:"select"`
	Pick   Pick     `json:"pick"`
}

// Pick restricts the returned components
type Pick struct {
	Status   []string `json:"status"`
	Settings []string `json:"settings"`
}

// NewPollRequest builds the request for the given device ids, keeping their order
func NewPollRequest(ids []string) PollRequest {
	return PollRequest{
		IDs:    append(make([]string, 0, len(ids)), ids...),
		Select: []string{"status"},
		Pick: Pick{
			Status:   append([]string(nil), StatusFields...),
			Settings: []string{},
		},
	}
}

// TransportError reports a failed exchange with the cloud
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("cloud %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("cloud %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrResponseTooLarge is wrapped by a TransportError when the body exceeds the cap
var ErrResponseTooLarge = errors.New("response too large")

// Values resolves dotted configuration paths
type Values interface {
	StringValue(path string) (string, error)
}

// Options tunes the client; zero values select the defaults
type Options struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	UserAgent        string
}

// Client queries the cloud for device status
type Client struct {
	http        *http.Client
	requestURL  string
	userAgent   string
	maxResponse int64
	log         logr.Logger
}

// NewClient builds a client from the cloud.url, cloud.endpoint and cloud.key settings
func NewClient(log logr.Logger, values Values, opts Options) (*Client, error) {
	base, err := values.StringValue("cloud.url")
	if err != nil {
		return nil, err
	}
	endpoint, err := values.StringValue("cloud.endpoint")
	if err != nil {
		return nil, err
	}
	key, err := values.StringValue("cloud.key")
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(base + endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid cloud url: %w", err)
	}
	q := u.Query()
	q.Set("auth_key", key)
	u.RawQuery = q.Encode()

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	return &Client{
		http:        &http.Client{Timeout: opts.Timeout},
		requestURL:  u.String(),
		userAgent:   opts.UserAgent,
		maxResponse: opts.MaxResponseBytes,
		log:         log.WithName("cloud"),
	}, nil
}

// Fetch posts one status query for ids and returns the raw response body.
// It performs exactly one request.
func (c *Client) Fetch(ctx context.Context, ids []string) ([]byte, error) {
	body, err := json.Marshal(NewPollRequest(ids))
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}
	c.log.V(1).Info("sending request", "devices", len(ids), "bytes", len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "post", Err: err}
	}
	defer resp.Body.Close()

	// one byte over the cap tells a full body from a truncated one
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponse+1))
	if err != nil {
		return nil, &TransportError{Op: "read", StatusCode: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > c.maxResponse {
		return nil, &TransportError{
			Op:         "read",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, c.maxResponse),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Op:         "post",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	c.log.V(1).Info("response received", "status", resp.StatusCode, "bytes", len(data))
	return data, nil
}
