// Package client talks to a running AQI prediction server over HTTP and
// its websocket route.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aqi-predictor/internal/ml"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
)

// PredictionError is the server's error reply.
type PredictionError struct {
	Message string
}

func (e *PredictionError) Error() string {
	return "prediction failed: " + e.Message
}

// Result is one reply from either predict route: exactly one of the fields
// is set.
type Result struct {
	PredictedAQI *float64 `json:"predicted_AQI,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Err converts an error reply into a *PredictionError.
func (r Result) Err() error {
	if r.Error != "" {
		return &PredictionError{Message: r.Error}
	}
	if r.PredictedAQI == nil {
		return errors.New("reply carries neither predicted_AQI nor error")
	}
	return nil
}

type Client struct {
	base   string
	rest   *resty.Client
	dialer *websocket.Dialer
}

func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(10 * time.Second)
	}
	r.SetHeader("Content-Type", "application/json")

	return &Client{
		base: strings.TrimRight(base, "/"),
		rest: r,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Predict posts one reading object. readings is encoded as-is, so callers
// may send whatever JSON object they loaded.
func (c *Client) Predict(ctx context.Context, readings interface{}) (float64, error) {
	res := &Result{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(readings).
		SetResult(res).
		SetError(res).
		Post(c.base + "/api/predict")
	if err != nil {
		return 0, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusBadRequest {
		return 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if err := res.Err(); err != nil {
		return 0, err
	}
	return *res.PredictedAQI, nil
}

// Health fetches /health. A 503 still returns the decoded status.
func (c *Client) Health(ctx context.Context) (*ml.HealthStatus, error) {
	health := &ml.HealthStatus{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(health).
		SetError(health).
		Get(c.base + "/health")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return health, nil
}

// Info fetches /model/info.
func (c *Client) Info(ctx context.Context) (*ml.ModelInfo, error) {
	info := &ml.ModelInfo{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(info).
		Get(c.base + "/model/info")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return info, nil
}

// Stream sends every non-blank line of r as one websocket frame and calls
// fn with each reply in order. Error replies are passed to fn, not returned.
func (c *Client) Stream(ctx context.Context, r io.Reader, fn func(line int, res Result) error) error {
	conn, _, err := c.dialer.DialContext(ctx, wsURL(c.base)+"/api/ws/predict", nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return fmt.Errorf("line %d: write: %w", lineNo, err)
		}
		var res Result
		if err := conn.ReadJSON(&res); err != nil {
			return fmt.Errorf("line %d: read: %w", lineNo, err)
		}
		if err := fn(lineNo, res); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
