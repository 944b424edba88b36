// Package remote provides a classifier engine backed by an HTTP inference
// server hosting a sound classification model.
//
// The server contract is deliberately small:
//
//	GET  /v1/model     → {"name": "...", "sample_rate": 16000, "channels": 1, "labels": ["crying_baby", ...]}
//	POST /v1/classify  (audio/wav body) → {"classifications": [{"label": "crying_baby", "confidence": 0.93}]}
//
// NewSession fetches the model description once; it fails with
// classifier.ErrModelLoad when the server is unreachable or answers with a
// non-2xx status, and with classifier.ErrLabelMismatch when a requested label
// is absent from the model's label set. Transport failures, 5xx and 429
// responses also wrap classifier.ErrUnavailable. Each Classify call posts
// one buffer wrapped in a WAV container.
//
// Usage:
//
//	eng, err := remote.New("http://localhost:9000", remote.WithModel("yamnet"))
//	sess, err := eng.NewSession(ctx, classifier.Config{Labels: []string{"crying_baby"}})
//	results, err := sess.Classify(ctx, pcm)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/crywatch/pkg/audio"
	"github.com/MrWong99/crywatch/pkg/audio/wav"
	"github.com/MrWong99/crywatch/pkg/provider/classifier"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultSampleRate = 16000

	// maxResponseBytes bounds the decoded response body.
	maxResponseBytes = 1 << 20
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel selects a model on servers hosting several. Sent as the "model"
// query parameter. Empty (the default) lets the server choose.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithAPIKey sets a bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(e *Engine) { e.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client (10 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.httpClient = &http.Client{Timeout: d} }
}

// Engine implements classifier.Engine against a remote inference server.
type Engine struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
}

// New creates an Engine for the server at baseURL (e.g.,
// "http://localhost:9000"). baseURL must be an absolute http(s) URL.
func New(baseURL string, opts ...Option) (*Engine, error) {
	if baseURL == "" {
		return nil, errors.New("remote: base URL must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base URL %q must use http or https", baseURL)
	}
	e := &Engine{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// modelInfo is the GET /v1/model response.
type modelInfo struct {
	Name       string   `json:"name"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Labels     []string `json:"labels"`
}

// classifyResponse is the POST /v1/classify response.
type classifyResponse struct {
	Classifications []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"classifications"`
}

// NewSession implements classifier.Engine.
func (e *Engine) NewSession(ctx context.Context, cfg classifier.Config) (classifier.SessionHandle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint("/v1/model"), nil)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	var info modelInfo
	if err := e.do(req, &info); err != nil {
		return nil, fmt.Errorf("remote: describe model: %w: %w", classifier.ErrModelLoad, err)
	}

	for _, l := range cfg.Labels {
		if !slices.Contains(info.Labels, l) {
			return nil, fmt.Errorf("remote: model %q has no label %q: %w", info.Name, l, classifier.ErrLabelMismatch)
		}
	}

	format := audio.Format{SampleRate: info.SampleRate, Channels: info.Channels}
	if format.SampleRate <= 0 {
		format.SampleRate = defaultSampleRate
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &session{engine: e, format: format, model: info.Name}, nil
}

// Ensure Engine implements classifier.Engine at compile time.
var _ classifier.Engine = (*Engine)(nil)

func (e *Engine) endpoint(path string) string {
	u := e.baseURL + path
	if e.model != "" {
		u += "?model=" + url.QueryEscape(e.model)
	}
	return u
}

// do sends req and decodes a JSON response into out.
func (e *Engine) do(req *http.Request, out any) error {
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w: %w", classifier.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %w", classifier.ErrUnavailable, err)
		}
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("parse JSON response: %w", err)
	}
	return nil
}

type session struct {
	engine *Engine
	format audio.Format
	model  string

	mu     sync.Mutex
	closed bool
}

func (s *session) Classify(ctx context.Context, frame []byte) ([]classifier.Classification, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, classifier.ErrSessionClosed
	}

	var body bytes.Buffer
	body.Grow(44 + len(frame))
	if err := wav.Encode(&body, frame, s.format); err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.engine.endpoint("/v1/classify"), &body)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")

	var resp classifyResponse
	if err := s.engine.do(req, &resp); err != nil {
		return nil, fmt.Errorf("remote: classify (model %q): %w", s.model, err)
	}
	out := make([]classifier.Classification, 0, len(resp.Classifications))
	for _, c := range resp.Classifications {
		out = append(out, classifier.Classification{Label: c.Label, Confidence: c.Confidence})
	}
	return out, nil
}

func (s *session) Format() audio.Format { return s.format }

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
