// Package signals turns raw input frames into validated world-state events.
package signals

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// #region producer

// Producer converts frames into state events.
type Producer struct {
	describer Describer
	logger    *zap.Logger
}

// NewProducer creates a Producer. describer may be nil; image frames then
// produce no vision event.
func NewProducer(describer Describer, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{describer: describer, logger: logger.With(zap.String("component", "signals"))}
}

// #endregion producer

// #region produce

// Produce validates a frame and returns its events in application order:
// mode, sensor, scene, image, text, result. Nothing is returned unless every
// part of the frame is valid, so a bad frame never half-applies.
func (p *Producer) Produce(ctx context.Context, f Frame) ([]state.Event, error) {
	if f.empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	var out []state.Event
	add := func(ev state.Event, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		out = append(out, ev)
		return nil
	}

	if f.Mode != "" {
		if err := add(state.NewModeEvent(state.ModePayload{Mode: f.Mode}, f.At)); err != nil {
			return nil, err
		}
	}
	if f.Sensor != nil {
		if err := add(state.NewSensorEvent(*f.Sensor, f.At)); err != nil {
			return nil, err
		}
	}
	if f.Scene != "" || len(f.Facts) > 0 {
		if err := add(state.NewVisionEvent(state.VisionPayload{Description: f.Scene, Facts: f.Facts}, f.At)); err != nil {
			return nil, err
		}
	}
	if f.Result != nil {
		// Validated up front so a bad result cannot follow an expensive describe call.
		if _, err := state.NewRunResultEvent(*f.Result, f.At); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
	}
	if f.Image != "" {
		desc, err := p.describe(ctx, f.Image)
		if err != nil {
			return nil, err
		}
		if desc != "" {
			if err := add(state.NewVisionEvent(state.VisionPayload{Description: desc, Source: "camera"}, f.At)); err != nil {
				return nil, err
			}
		}
	}
	if text := strings.TrimSpace(f.Text); text != "" {
		if err := add(state.NewVisionEvent(state.VisionPayload{Description: text, Source: "text"}, f.At)); err != nil {
			return nil, err
		}
	}
	if f.Result != nil {
		if err := add(state.NewRunResultEvent(*f.Result, f.At)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// #endregion produce

// #region describe

func (p *Producer) describe(ctx context.Context, path string) (string, error) {
	if p.describer == nil {
		p.logger.Debug("no describer, image skipped", zap.String("image", path))
		return "", nil
	}
	img, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read image: %w", ErrMalformedFrame, err)
	}
	desc, err := p.describer.Describe(ctx, img)
	if err != nil {
		return "", fmt.Errorf("describe %s: %w", path, err)
	}
	return desc, nil
}

// #endregion describe
