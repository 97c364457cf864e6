package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/signals"
)

// #endregion

// #region constants

const backendRetries = 1 // one retry = 2 calls total

var errEmptyGeneration = errors.New("backend returned empty text")

// #endregion

// #region generate

type callResult struct {
	text string
	err  error
}

// generate calls the backend, retrying once after RetryBackoff. It returns
// ctx.Err() as soon as ctx ends and never invents text.
func (o *Orchestrator) generate(ctx context.Context, prompt string) (string, error) {
	return o.withRetry(ctx, "backend call", func(ctx context.Context) (string, error) {
		start := time.Now()
		text, err := o.callOnce(ctx, prompt)
		if o.metrics != nil {
			o.metrics.ObserveGeneration(time.Since(start), err)
		}
		return text, err
	})
}

// callOnce runs one backend call that is abandoned rather than waited for
// when ctx ends or GenerateTimeout passes.
func (o *Orchestrator) callOnce(ctx context.Context, prompt string) (string, error) {
	text, err := detach(ctx, o.cfg.GenerateTimeout, o.logger, func(ctx context.Context) (string, error) {
		return o.backend.Generate(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyGeneration
	}
	return text, nil
}

// withRetry runs call and retries it once after RetryBackoff. The final
// failure wraps ErrBackend unless ctx ended first.
func (o *Orchestrator) withRetry(ctx context.Context, what string, call func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for try := 0; try <= backendRetries; try++ {
		if try > 0 {
			o.logger.Warn(what+" failed, retrying",
				zap.Duration("backoff", o.cfg.RetryBackoff), zap.Error(lastErr))
			if err := sleep(ctx, o.cfg.RetryBackoff); err != nil {
				return "", err
			}
		}
		text, err := call(ctx)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %w", ErrBackend, lastErr)
}

// detach runs call in its own goroutine so that a call which ignores ctx is
// abandoned rather than waited for. A positive timeout bounds the call.
func detach(ctx context.Context, timeout time.Duration, logger *zap.Logger, call func(context.Context) (string, error)) (string, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		text, err := call(callCtx)
		ch <- callResult{text: text, err: err}
	}()
	select {
	case <-callCtx.Done():
		logger.Debug("backend call abandoned", zap.Error(callCtx.Err()))
		return "", callCtx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// #endregion

// #region wrappers

// Detached returns a Backend whose calls return as soon as ctx ends or
// timeout passes, even when b ignores ctx. Use it for secondary callers
// such as a model judge that share the orchestrator's backend.
func Detached(b Backend, timeout time.Duration) Backend {
	return detachedBackend{backend: b, timeout: timeout}
}

type detachedBackend struct {
	backend Backend
	timeout time.Duration
}

func (d detachedBackend) Generate(ctx context.Context, prompt string) (string, error) {
	return detach(ctx, d.timeout, zap.NewNop(), func(ctx context.Context) (string, error) {
		return d.backend.Generate(ctx, prompt)
	})
}

// retryDescriber gives image descriptions the same abandon and retry
// handling as generation.
type retryDescriber struct {
	orch      *Orchestrator
	describer signals.Describer
}

func (r retryDescriber) Describe(ctx context.Context, image []byte) (string, error) {
	return r.orch.withRetry(ctx, "describe call", func(ctx context.Context) (string, error) {
		return detach(ctx, r.orch.cfg.GenerateTimeout, r.orch.logger, func(ctx context.Context) (string, error) {
			return r.describer.Describe(ctx, image)
		})
	})
}

// #endregion
