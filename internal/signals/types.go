package signals

import (
	"context"
	"errors"
	"time"

	"github.com/danielpatrickdp/duet/go-controller/internal/state"
)

// ErrMalformedFrame wraps every frame decoding or validation failure.
var ErrMalformedFrame = errors.New("malformed frame")

// #region describer-interface

// Describer abstracts the vision RPC so Producer can be tested without gRPC.
type Describer interface {
	Describe(ctx context.Context, image []byte) (string, error)
}

// #endregion describer-interface

// #region frame

// Frame is one tick of external input. Any combination of fields may be set;
// a frame with none is malformed.
type Frame struct {
	At     time.Time               `json:"at,omitempty"`
	Sensor *state.SensorPayload    `json:"sensor,omitempty"`
	Scene  string                  `json:"scene,omitempty"`
	Facts  map[string]string       `json:"facts,omitempty"`
	Image  string                  `json:"image,omitempty"` // file path
	Mode   state.Mode              `json:"mode,omitempty"`
	Result *state.RunResultPayload `json:"result,omitempty"`
	Text   string                  `json:"text,omitempty"` // typed operator observation
}

func (f Frame) empty() bool {
	return f.Sensor == nil && f.Scene == "" && len(f.Facts) == 0 && f.Image == "" &&
		f.Mode == "" && f.Result == nil && f.Text == ""
}

// #endregion frame

// #region source

// Source yields frames until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// #endregion source
