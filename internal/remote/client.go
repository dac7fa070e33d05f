// Package remote is the client for the classification service that owns
// enrollment, password verification, baseline training and scoring.
//
// The service is opaque beyond the fields read here. Every call is a single
// request; retries happen implicitly at the next session boundary.
package remote

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"maxidomd/internal/aggregator"
	"maxidomd/internal/logging"
)

//go:embed schema/payload.schema.json
var payloadSchema []byte

const payloadSchemaURL = "payload.schema.json"

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

var (
	// ErrNoBaseline means the service has no trained model for the identity.
	ErrNoBaseline = errors.New("remote: no baseline for identity")

	// ErrNotEnrolled means the identity has no stored credential.
	ErrNotEnrolled = errors.New("remote: identity not enrolled")

	// ErrAlreadyEnrolled is returned by Enroll for a known identity.
	ErrAlreadyEnrolled = errors.New("remote: identity already enrolled")

	// ErrInvalidPayload is returned when a payload fails schema validation.
	ErrInvalidPayload = errors.New("remote: payload failed validation")
)

// StatusError is an unexpected HTTP status from the service.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %s: HTTP %d: %s", e.Op, e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token, when set, is sent as a bearer credential.
	Token string
}

// TrainResult is the response of the train route.
type TrainResult struct {
	Status    string          `json:"status"`
	ProfileID string          `json:"profile_id"`
	Progress  json.RawMessage `json:"progress"`
}

// Ready reports the is_ready flag inside Progress.
func (r *TrainResult) Ready() bool {
	var p struct {
		IsReady bool `json:"is_ready"`
	}
	if len(r.Progress) == 0 {
		return false
	}
	if err := json.Unmarshal(r.Progress, &p); err != nil {
		return false
	}
	return p.IsReady
}

// ScoreResult is the response of the score route.
type ScoreResult struct {
	IsAnomaly bool    `json:"is_anomaly"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	ModelUsed string  `json:"model_used"`
}

// Client talks to the classification service.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	schema     *jsonschema.Schema
	log        *logging.Logger
}

// New creates a Client.
func New(cfg Config, log *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(payloadSchemaURL, bytes.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("remote: add payload schema: %w", err)
	}
	schema, err := compiler.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("remote: compile payload schema: %w", err)
	}

	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		base:       base,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		schema:     schema,
		log:        log.WithComponent("remote"),
	}, nil
}

// Enroll registers identity with password.
func (c *Client) Enroll(ctx context.Context, identity, password string) error {
	err := c.do(ctx, "enroll", http.MethodPost, "enroll", identity, credential{Password: password}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return ErrAlreadyEnrolled
	}
	return err
}

// Verify checks attempt against the stored credential. An identity the
// service does not know is reported as ErrNotEnrolled.
func (c *Client) Verify(ctx context.Context, identity, attempt string) (bool, error) {
	var out struct {
		Verified bool `json:"verified"`
	}
	err := c.do(ctx, "verify", http.MethodPost, "verify_password", identity, credential{Password: attempt}, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return false, ErrNotEnrolled
	}
	if err != nil {
		return false, err
	}
	return out.Verified, nil
}

// ResetProfile deletes everything the service learned about identity. The
// credential is kept.
func (c *Client) ResetProfile(ctx context.Context, identity string) error {
	return c.do(ctx, "reset", http.MethodDelete, "reset_profile", identity, nil, nil)
}

// Train submits a baseline sample.
func (c *Client) Train(ctx context.Context, identity string, p *aggregator.Payload) (*TrainResult, error) {
	if err := c.Validate(p); err != nil {
		return nil, err
	}
	var out TrainResult
	if err := c.do(ctx, "train", http.MethodPost, "train", identity, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Score asks for a verdict on p. A missing model is reported as
// ErrNoBaseline.
func (c *Client) Score(ctx context.Context, identity string, p *aggregator.Payload) (*ScoreResult, error) {
	if err := c.Validate(p); err != nil {
		return nil, err
	}
	var out ScoreResult
	err := c.do(ctx, "score", http.MethodPost, "score", identity, p, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, ErrNoBaseline
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks p against the payload schema.
func (c *Client) Validate(p *aggregator.Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

type credential struct {
	Password string `json:"password"`
}

func (c *Client) endpoint(route, identity string) string {
	u := *c.base
	u.Path = u.Path + "/api/" + route + "/" + identity
	u.RawPath = ""
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, route, identity string, in, out any) error {
	if identity == "" || strings.Contains(identity, "/") {
		return fmt.Errorf("remote: %s: invalid identity %q", op, identity)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(route, identity), body)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("remote: %s: read response: %w", op, err)
	}
	c.log.Debug("collaborator call", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("remote: %s: decode response: %w", op, err)
	}
	return nil
}
