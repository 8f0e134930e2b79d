package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 10 * time.Second
)

// StateHook observes circuit breaker transitions.
type StateHook func(name string, from, to gobreaker.State)

type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Zero disables the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	OnState     StateHook
	Logger      *slog.Logger
}

// Client is the HTTP client for the recognition service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "detector"),
	}

	if cfg.MaxFailures > 0 {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "detector",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			// only transport failures count against the service
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, ErrDetectorUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				c.logger.Info("circuit breaker state changed",
					"name", name,
					"from", from.String(),
					"to", to.String())
				if cfg.OnState != nil {
					cfg.OnState(name, from, to)
				}
			},
		})
	}
	return c
}

// BreakerState reports the breaker state, or closed when there is none.
func (c *Client) BreakerState() gobreaker.State {
	if c.breaker == nil {
		return gobreaker.StateClosed
	}
	return c.breaker.State()
}

type processRequest struct {
	Image string `json:"image"`
}

type batchRequest struct {
	Images []string `json:"images"`
}

type batchResponse struct {
	Success     bool     `json:"success"`
	TotalImages int      `json:"total_images"`
	Results     []Result `json:"results"`
	Error       string   `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var resp Health
	if err := c.call(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Process(ctx context.Context, image []byte) (*Result, error) {
	if len(image) == 0 {
		return nil, ErrDetectorBadResponse.With("reason", "empty image")
	}
	var resp Result
	if err := c.call(ctx, http.MethodPost, "/process-image", processRequest{Image: DataURL(image)}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, ErrDetectorBadResponse.With("reason", resp.Error)
	}
	return &resp, nil
}

func (c *Client) Batch(ctx context.Context, images [][]byte) ([]Result, error) {
	req := batchRequest{Images: make([]string, len(images))}
	for i, img := range images {
		req.Images[i] = DataURL(img)
	}
	var resp batchResponse
	if err := c.call(ctx, http.MethodPost, "/batch-process", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, ErrDetectorBadResponse.With("reason", resp.Error)
	}
	if len(resp.Results) != len(images) {
		return nil, ErrDetectorBadResponse.With("reason",
			fmt.Sprintf("expected %d results, got %d", len(images), len(resp.Results)))
	}
	return resp.Results, nil
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	if c.breaker == nil {
		return c.doRequest(ctx, method, path, reqBody, respBody)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doRequest(ctx, method, path, reqBody, respBody)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Warn("circuit breaker open", "path", path)
		return ErrDetectorUnavailable.Wrap(err)
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrDetectorUnavailable.Wrap(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return ErrDetectorUnavailable.Wrap(fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("detector call", "method", method, "path", path,
		"status", httpResp.StatusCode, "duration", time.Since(start))

	if httpResp.StatusCode >= 500 {
		return ErrDetectorUnavailable.With("status", httpResp.StatusCode).With("error", errorText(data))
	}
	if httpResp.StatusCode >= 400 {
		return ErrDetectorBadResponse.With("status", httpResp.StatusCode).With("error", errorText(data))
	}

	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return ErrDetectorBadResponse.Wrap(fmt.Errorf("unmarshal response: %w", err))
		}
	}
	return nil
}

func errorText(data []byte) string {
	var resp errorResponse
	if json.Unmarshal(data, &resp) == nil && resp.Error != "" {
		return resp.Error
	}
	return strings.TrimSpace(string(data))
}

// DataURL encodes image as a base64 data URL with a sniffed media type.
func DataURL(image []byte) string {
	mime := http.DetectContentType(image)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}

// DecodeDataURL reverses DataURL. Plain base64 without a header is accepted.
func DecodeDataURL(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		i := strings.IndexByte(s, ',')
		if i < 0 {
			return nil, fmt.Errorf("malformed data url")
		}
		s = s[i+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}
