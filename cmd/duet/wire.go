package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/codec"
	"github.com/danielpatrickdp/duet/go-controller/internal/config"
	"github.com/danielpatrickdp/duet/go-controller/internal/evaluator"
	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/intervention"
	"github.com/danielpatrickdp/duet/go-controller/internal/memory"
	"github.com/danielpatrickdp/duet/go-controller/internal/metrics"
	"github.com/danielpatrickdp/duet/go-controller/internal/novelty"
	"github.com/danielpatrickdp/duet/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/duet/go-controller/internal/persona"
	"github.com/danielpatrickdp/duet/go-controller/internal/silence"
	"github.com/danielpatrickdp/duet/go-controller/internal/state"
	"github.com/danielpatrickdp/duet/go-controller/internal/transcript"
)

// #region runtime

// runtime holds every long-lived component a command needs. Close releases
// them in reverse order of creation.
type runtime struct {
	store       *state.Store
	persona     *persona.Library
	backend     *codec.Client
	transcripts *transcript.Store
	memory      *memory.Store
	metrics     *metrics.Collector
	hub         *events.Hub
	orch        *orchestrator.Orchestrator
	closers     []io.Closer
}

// buildRuntime wires the orchestrator from cfg. A non-nil hub is added to
// the event fanout for live observers.
func buildRuntime(cfg *config.Config, hub *events.Hub, logger *zap.Logger) (_ *runtime, err error) {
	rt := &runtime{hub: hub}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	rt.store = state.NewStore(state.Limits{
		RecentTopics: cfg.State.RecentTopics,
		RecentEvents: cfg.State.RecentEvents,
		EventLog:     cfg.State.EventLog,
	}, logger)

	rt.persona, err = persona.NewLibrary(cfg.Persona.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}

	rt.backend, err = codec.Dial(cfg.Backend.Address, codec.Options{
		Timeout:   cfg.Backend.Timeout,
		RateLimit: cfg.Backend.RateLimit,
		Burst:     cfg.Backend.Burst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to backend at %s: %w", cfg.Backend.Address, err)
	}
	rt.closers = append(rt.closers, rt.backend)

	rt.transcripts, err = transcript.Open(filepath.Join(cfg.Storage.Dir, cfg.Storage.TranscriptDB), logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.transcripts)

	rt.memory, err = memory.Open(filepath.Join(cfg.Storage.Dir, cfg.Storage.MemoryDB), logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.memory)

	sinks := []events.Sink{events.NewLogSink(logger), rt.transcripts, rt.memory}
	if cfg.Metrics.Enabled {
		rt.metrics = metrics.NewCollector(cfg.Metrics.Namespace, logger)
		sinks = append(sinks, rt.metrics)
	}
	if cfg.Storage.EventsFile {
		fs, err := events.NewFileSink(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, fs)
		sinks = append(sinks, fs)
	}
	if cfg.Redis.Enabled {
		rs := events.NewRedisSink(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}), cfg.Redis.Prefix, cfg.Redis.MaxLen)
		rt.closers = append(rt.closers, rs)
		sinks = append(sinks, rs)
	}
	if hub != nil {
		sinks = append(sinks, hub)
	}

	var judge evaluator.Judge = evaluator.HeuristicJudge{MaxRunes: cfg.Evaluator.MaxRunes}
	if cfg.Evaluator.UseModel {
		// The judge shares the backend, so it gets the same abandon-on-cancel call.
		model := evaluator.ModelJudge{Backend: orchestrator.Detached(rt.backend, cfg.Backend.Timeout)}
		judge = evaluator.ChainJudge{judge, model}
	}

	deps := orchestrator.Deps{
		Store:     rt.store,
		Persona:   rt.persona,
		Backend:   rt.backend,
		Describer: rt.backend,
		Judge:     judge,
		Recall:    rt.memory,
		Sink:      events.NewFanout(logger, sinks...),
		Logger:    logger,
	}
	if rt.metrics != nil {
		deps.Metrics = rt.metrics
	}
	rt.orch, err = orchestrator.New(orchestratorConfig(cfg), deps)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Close releases every resource in reverse order.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// supervisor wraps the orchestrator for operator control.
func (rt *runtime) supervisor(cfg *config.Config, logger *zap.Logger) *orchestrator.Supervisor {
	clarifier := intervention.RuleClarifier{
		Agents:   rt.persona.Current().AgentNames(),
		MinWords: cfg.Intervention.MinWords,
	}
	return orchestrator.NewSupervisor(rt.orch, clarifier, logger)
}

// #endregion runtime

// #region config-mapping

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.FirstSpeaker = cfg.Agents.FirstSpeaker
	oc.OnFailure = orchestrator.FailurePolicy(cfg.Orchestrator.OnFailure)
	oc.RetryBackoff = cfg.Orchestrator.RetryBackoff
	oc.GenerateTimeout = cfg.Backend.Timeout
	oc.HistoryTurns = cfg.Orchestrator.HistoryTurns
	oc.StaleAfter = cfg.Orchestrator.StaleAfter
	oc.PollInterval = cfg.Intervention.PollInterval
	oc.KnowledgeTopK = cfg.Orchestrator.KnowledgeTopK
	oc.MemoryTopK = cfg.Orchestrator.MemoryTopK
	oc.MaxAttempts = cfg.Evaluator.MaxAttempts
	oc.Novelty = novelty.Config{
		Threshold:      cfg.Novelty.Threshold,
		MaxStuckTerms:  cfg.Novelty.MaxStuckTerms,
		RotationWindow: cfg.Novelty.RotationWindow,
	}
	oc.Silence = silence.Config{
		SpeedThreshold:        cfg.Silence.SpeedThreshold,
		AftermathWindow:       cfg.Silence.AftermathWindow,
		TensionDuration:       cfg.Silence.TensionDuration,
		ConcentrationDuration: cfg.Silence.ConcentrationDuration,
		AftermathDuration:     cfg.Silence.AftermathDuration,
	}
	return oc
}

// #endregion config-mapping

// printJSON writes v to w as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
