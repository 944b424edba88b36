// Package api serves the CryWatch HTTP interface: session control, the
// rendered episode list and a WebSocket change stream.
//
// Routes:
//
//	GET  /v1/episodes        rendered episode list, most recent first
//	GET  /v1/session         current or most recent session
//	POST /v1/session/start   start a session
//	POST /v1/session/stop    stop the running session
//	GET  /v1/stream          WebSocket of episode list changes
//
// Session errors map to 403 permission_denied, 500 setup_failed and
// 503 audio_unavailable.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/crywatch/internal/monitor"
	"github.com/MrWong99/crywatch/internal/observe"
	"github.com/MrWong99/crywatch/internal/present"
	"github.com/MrWong99/crywatch/pkg/episode"
)

// Monitor is the session controller the API drives. [*monitor.Monitor]
// implements it.
type Monitor interface {
	Start(ctx context.Context) error
	Stop() error
	Episodes() []episode.Episode
	Pending() (episode.Episode, bool)
	Info() monitor.Info
	Subscribe(buffer int) (<-chan monitor.Change, func())
}

var _ Monitor = (*monitor.Monitor)(nil)

// Server holds the API handlers. Create one with [New].
type Server struct {
	mon     Monitor
	loc     *time.Location
	now     func() time.Time
	metrics *observe.Metrics
	extra   []route

	streamBuffer int
	pingInterval time.Duration
	writeTimeout time.Duration

	// done ends all open streams on Close.
	done      context.Context
	closeDone context.CancelFunc
}

type route struct {
	pattern string
	handler http.Handler
}

// Option is a functional option for [New].
type Option func(*Server)

// WithLocation sets the zone used to render episode times and the current
// date. The default is [time.Local].
func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now for the rendered current date.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithMetrics sets the metrics used by the middleware and the stream.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHandler mounts an additional handler, e.g. "GET /metrics".
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *Server) { s.extra = append(s.extra, route{pattern: pattern, handler: h}) }
}

// WithPingInterval sets how often idle stream connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// New creates a [Server] for mon.
func New(mon Monitor, opts ...Option) *Server {
	s := &Server{
		mon:          mon,
		loc:          time.Local,
		now:          time.Now,
		streamBuffer: 16,
		pingInterval: 30 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.done, s.closeDone = context.WithCancel(context.Background())
	return s
}

// Close ends all open stream connections. Hijacked connections are not
// tracked by [http.Server.Shutdown], so call Close alongside it.
func (s *Server) Close() {
	s.closeDone()
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/episodes", s.handleEpisodes)
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	for _, r := range s.extra {
		mux.Handle(r.pattern, r.handler)
	}
	return observe.Middleware(s.metrics, observe.WithQuietPaths("/healthz", "/readyz", "/metrics"))(mux)
}

// EpisodeList is the body of GET /v1/episodes.
type EpisodeList struct {
	Date     string        `json:"date"`
	State    string        `json:"state"`
	Episodes []present.Row `json:"episodes"`
	Pending  *present.Row  `json:"pending,omitempty"`
}

// SessionInfo is the body of the session endpoints.
type SessionInfo struct {
	SessionID           string     `json:"session_id,omitempty"`
	State               string     `json:"state"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	StoppedAt           *time.Time `json:"stopped_at,omitempty"`
	Label               string     `json:"label"`
	ConfidenceThreshold float64    `json:"confidence_threshold"`
	MaxGap              string     `json:"max_gap"`
	MinDuration         string     `json:"min_duration"`
}

// Error is the body of every error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) episodeList() EpisodeList {
	list := EpisodeList{
		Date:     present.CurrentDate(s.now().In(s.loc)),
		State:    s.mon.Info().State.String(),
		Episodes: present.Rows(s.mon.Episodes(), s.loc),
	}
	if p, ok := s.mon.Pending(); ok {
		rows := present.Rows([]episode.Episode{p}, s.loc)
		list.Pending = &rows[0]
	}
	return list
}

func sessionInfo(info monitor.Info) SessionInfo {
	out := SessionInfo{
		SessionID:           info.SessionID,
		State:               info.State.String(),
		Label:               info.Config.Label,
		ConfidenceThreshold: info.Config.Detector.ConfidenceThreshold,
		MaxGap:              info.Config.Detector.MaxGap.String(),
		MinDuration:         info.Config.Detector.MinDuration.String(),
	}
	if !info.StartedAt.IsZero() {
		t := info.StartedAt
		out.StartedAt = &t
	}
	if !info.StoppedAt.IsZero() {
		t := info.StoppedAt
		out.StoppedAt = &t
	}
	return out
}

func (s *Server) handleEpisodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.episodeList())
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionInfo(s.mon.Info()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mon.Start(r.Context()); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(s.mon.Info()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.mon.Stop(); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo(s.mon.Info()))
}

// StatusFor returns the HTTP status and error code for a session error.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, monitor.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, monitor.ErrClassifierSetup):
		return http.StatusInternalServerError, "setup_failed"
	case errors.Is(err, monitor.ErrAudioSession):
		return http.StatusServiceUnavailable, "audio_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if code == "permission_denied" {
		msg = monitor.ErrPermissionDenied.Error()
	}
	observe.Logger(ctx).Warn("api: session request failed", "code", code, "err", err)
	writeJSON(w, status, Error{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}
