// Package control is the operator's HTTP surface: intervention commands,
// run lifecycle, read-only views of state and transcripts, metrics and a
// websocket stream of run events.
package control

// #region imports
import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/duet/go-controller/internal/persona"
	"github.com/danielpatrickdp/duet/go-controller/internal/signals"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
	"github.com/danielpatrickdp/duet/go-controller/internal/transcript"
)

// #endregion

// #region server

// TranscriptReader lists stored runs.
type TranscriptReader interface {
	ListRuns(ctx context.Context, limit int) ([]transcript.Run, error)
	Run(ctx context.Context, id string) (transcript.Run, error)
}

// Deps are the handles the server exposes. Supervisor and Store are
// required; the rest switch their endpoints off when nil.
type Deps struct {
	Supervisor  *orchestrator.Supervisor
	Store       *state.Store
	Persona     *persona.Library
	Hub         *events.Hub
	Transcripts TranscriptReader
	Metrics     http.Handler
	OpenFrames  func(path string) (signals.Source, error) // nil = signals.OpenFile
	Logger      *zap.Logger
}

// Options tune request handling.
type Options struct {
	RateLimit       float64
	Burst           int
	DefaultMaxTurns int
	StaleAfter      time.Duration
}

// Server routes control requests.
type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// New creates a server.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Supervisor == nil || deps.Store == nil {
		return nil, errors.New("control: supervisor and store are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.OpenFrames == nil {
		deps.OpenFrames = func(path string) (signals.Source, error) { return signals.OpenFile(path) }
	}
	if opts.DefaultMaxTurns <= 0 {
		opts.DefaultMaxTurns = 10
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Second
	}
	return &Server{deps: deps, opts: opts, logger: deps.Logger.With(zap.String("component", "control"))}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("POST /answer", s.handleAnswer)
	mux.HandleFunc("GET /log", s.handleLog)
	mux.HandleFunc("GET /question", s.handleQuestion)

	mux.HandleFunc("POST /runs/batch", s.handleStartBatch)
	mux.HandleFunc("POST /runs/continuous", s.handleStartContinuous)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /interrupt", s.handleInterrupt)
	mux.HandleFunc("GET /status", s.handleStatus)

	mux.HandleFunc("GET /snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /persona", s.handlePersona)
	mux.HandleFunc("POST /persona/reload", s.handlePersonaReload)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}

	return Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		RateLimit(s.opts.RateLimit, s.opts.Burst),
	)
}

// #endregion

// #region responses

type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Error: msg})
}

// fail maps domain errors to status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, intervention.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrRunActive):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoActiveRun),
		errors.Is(err, transcript.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidInput),
		errors.Is(err, state.ErrInvalidEvent),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, persona.ErrInvalidContent):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

var errBadRequest = errors.New("bad request")

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// #endregion

// #region intervention

func (s *Server) control(w http.ResponseWriter) (*intervention.Controller, bool) {
	c, err := s.deps.Supervisor.Control()
	if err != nil {
		s.fail(w, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	c, ok := s.control(w)
	if !ok {
		return
	}
	if err := c.Pause(); err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"state": c.State()})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	c, ok := s.control(w)
	if !ok {
		return
	}
	if err := c.Resume(); err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"state": c.State()})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	c, ok := s.control(w)
	if !ok {
		return
	}
	res, err := c.Send(req.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

type textRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	c, ok := s.control(w)
	if !ok {
		return
	}
	if err := c.Answer(req.Text); err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"state": c.State()})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	n := 20
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	c, ok := s.control(w)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, c.Recent(n))
}

func (s *Server) handleQuestion(w http.ResponseWriter, _ *http.Request) {
	c, ok := s.control(w)
	if !ok {
		return
	}
	q, pending := c.Pending()
	if !pending {
		writeData(w, http.StatusOK, nil)
		return
	}
	writeData(w, http.StatusOK, q)
}

// #endregion

// #region runs

type batchRequest struct {
	Input    string `json:"input"`
	MaxTurns int    `json:"max_turns"`
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.MaxTurns <= 0 {
		req.MaxTurns = s.opts.DefaultMaxTurns
	}
	id, err := s.deps.Supervisor.StartBatch(req.Input, req.MaxTurns)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"run_id": id, "mode": "batch"})
}

type continuousRequest struct {
	FramesPath      string `json:"frames_path"`
	MaxFrames       int    `json:"max_frames"`
	FrameIntervalMS int64  `json:"frame_interval_ms"`
	TurnsPerFrame   int    `json:"turns_per_frame"`
	StopOnResult    bool   `json:"stop_on_result"`
}

func (s *Server) handleStartContinuous(w http.ResponseWriter, r *http.Request) {
	var req continuousRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.FramesPath == "" {
		writeError(w, http.StatusBadRequest, "frames_path is required")
		return
	}
	src, err := s.deps.OpenFrames(req.FramesPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := orchestrator.ContinuousOptions{
		MaxFrames:     req.MaxFrames,
		FrameInterval: time.Duration(req.FrameIntervalMS) * time.Millisecond,
		TurnsPerFrame: req.TurnsPerFrame,
	}
	if req.StopOnResult {
		opts.Stop = StopOnTerminalResult
	}
	id, err := s.deps.Supervisor.StartContinuous(src, opts)
	if err != nil {
		if c, ok := src.(io.Closer); ok {
			_ = c.Close()
		}
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"run_id": id, "mode": "continuous"})
}

// StopOnTerminalResult ends a continuous run once the car reports a
// terminal run result.
func StopOnTerminalResult(snap state.Snapshot) bool {
	rec, ok := snap.LastExternal()
	return ok && rec.Kind == state.KindRunResult && rec.Outcome.Terminal()
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Supervisor.Stop(); err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, s.deps.Supervisor.Status())
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.deps.Supervisor.Interrupt(r.Context(), req.Text); err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, s.deps.Supervisor.Status())
}

// #endregion

// #region views

type snapshotView struct {
	Seq          uint64             `json:"seq"`
	Mode         state.Mode         `json:"mode"`
	Speed        float64            `json:"speed"`
	Steering     float64            `json:"steering"`
	Distances    map[string]float64 `json:"distances"`
	SceneFacts   map[string]string  `json:"scene_facts"`
	LastSpeaker  string             `json:"last_speaker,omitempty"`
	TurnCount    int                `json:"turn_count"`
	Topic        string             `json:"topic,omitempty"`
	TopicDepth   int                `json:"topic_depth"`
	RecentTopics []string           `json:"recent_topics"`
	RecentEvents []eventView        `json:"recent_events"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Stale        bool               `json:"stale"`
}

type eventView struct {
	Seq     uint64          `json:"seq"`
	Kind    state.EventKind `json:"kind"`
	At      time.Time       `json:"at"`
	Summary string          `json:"summary"`
	Outcome state.Outcome   `json:"outcome,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Store.Snapshot()
	v := snapshotView{
		Seq:          snap.Seq,
		Mode:         snap.Mode,
		Speed:        snap.Speed,
		Steering:     snap.Steering,
		Distances:    snap.Distances,
		SceneFacts:   snap.SceneFacts,
		LastSpeaker:  snap.LastSpeaker,
		TurnCount:    snap.TurnCount,
		Topic:        snap.Topic,
		TopicDepth:   snap.TopicDepth,
		RecentTopics: snap.RecentTopics,
		UpdatedAt:    snap.UpdatedAt,
		Stale:        snap.IsStale(s.opts.StaleAfter, time.Now()),
	}
	for _, r := range snap.RecentEvents {
		v.RecentEvents = append(v.RecentEvents, eventView(r))
	}
	writeData(w, http.StatusOK, v)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		writeError(w, http.StatusNotFound, "transcripts are not stored")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.deps.Transcripts.ListRuns(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Transcripts == nil {
		writeError(w, http.StatusNotFound, "transcripts are not stored")
		return
	}
	run, err := s.deps.Transcripts.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

func (s *Server) handlePersona(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Persona == nil {
		writeError(w, http.StatusNotFound, "no persona library")
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"agents":     s.deps.Persona.Current().AgentNames(),
		"generation": s.deps.Persona.Generation(),
		"pending":    s.deps.Persona.Pending(),
	})
}

func (s *Server) handlePersonaReload(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Persona == nil {
		writeError(w, http.StatusNotFound, "no persona library")
		return
	}
	if err := s.deps.Persona.Reload(); err != nil {
		s.fail(w, err)
		return
	}
	s.handlePersona(w, nil)
}

// #endregion
