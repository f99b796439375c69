package mastodon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrEmptyFeed indicates that the endpoint answered without any usable status.
	ErrEmptyFeed = errors.New("mastodon: empty feed")

	errMissingToken    = errors.New("mastodon: bearer token required")
	errMissingEndpoint = errors.New("mastodon: endpoint required")
)

// TransportError reports a failure to reach the feed or to read its response.
type TransportError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mastodon: fetch %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mastodon: fetch %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ClientConfig configures the feed client.
type ClientConfig struct {
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client fetches a single page of statuses from a Mastodon endpoint.
type Client struct {
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client. The bearer token is mandatory.
func NewClient(cfg ClientConfig) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errMissingToken
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext
		transport.TLSHandshakeTimeout = 5 * time.Second
		transport.MaxIdleConns = 10
		transport.IdleConnTimeout = 90 * time.Second
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchFeed issues one GET against endpoint and returns the validated statuses.
// Records that fail validation are dropped individually.
func (c *Client) FetchFeed(ctx context.Context, endpoint string) ([]Status, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errMissingEndpoint
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: response.StatusCode, Err: err}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, &TransportError{
			Endpoint:   endpoint,
			StatusCode: response.StatusCode,
			Err:        errors.New("upstream returned non-2xx"),
		}
	}

	records, err := decodeRecords(body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, StatusCode: response.StatusCode, Err: err}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFeed, endpoint)
	}

	statuses := make([]Status, 0, len(records))
	for index, record := range records {
		var status Status
		if err := json.Unmarshal(record, &status); err != nil {
			c.logger.Warn("status rejected",
				zap.String("endpoint", endpoint),
				zap.Int("index", index),
				zap.Error(err))
			continue
		}
		if err := status.Validate(); err != nil {
			c.logger.Warn("status rejected",
				zap.String("endpoint", endpoint),
				zap.Int("index", index),
				zap.Error(err))
			continue
		}
		statuses = append(statuses, status)
	}

	if len(statuses) == 0 {
		return nil, fmt.Errorf("%w: %s: all %d records rejected", ErrEmptyFeed, endpoint, len(records))
	}

	return statuses, nil
}

// decodeRecords returns nil for bodies that are blank, null, or not a JSON array.
// Malformed JSON is an error.
func decodeRecords(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, errors.New("response body is not valid json")
	}
	if trimmed[0] != '[' {
		return nil, nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}
	return records, nil
}
