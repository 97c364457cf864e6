// Package codec is the gRPC client for the generation and description
// backend. Messages are generic structpb.Struct values, so no generated
// stubs are needed on this side.
package codec

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names served by the backend.
const (
	ServiceName      = "duet.codec.v1.CodecService"
	MethodGenerate   = "/" + ServiceName + "/Generate"
	MethodDescribe   = "/" + ServiceName + "/Describe"
	DefaultTimeout   = 20 * time.Second
	fieldPrompt      = "prompt"
	fieldImageBase64 = "image_b64"
	fieldText        = "text"
)

// ErrEmptyResponse is returned when the backend answers without text.
var ErrEmptyResponse = errors.New("backend returned no text")

// #region client-struct

// Options tune every call made by a Client.
type Options struct {
	Timeout   time.Duration // per call; 0 uses DefaultTimeout
	RateLimit float64       // calls per second; 0 disables limiting
	Burst     int
}

// Client wraps the connection to the backend service.
type Client struct {
	conn    grpc.ClientConnInterface
	close   func() error
	timeout time.Duration
	limiter *rate.Limiter
	logger  *zap.Logger
}

// #endregion client-struct

// #region constructor

// Dial connects to the backend at addr over plaintext gRPC.
func Dial(addr string, opts Options, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	c := NewWithConn(conn, opts, logger)
	c.close = conn.Close
	return c, nil
}

// NewWithConn builds a Client over an existing connection. Tests inject a
// fake grpc.ClientConnInterface here.
func NewWithConn(conn grpc.ClientConnInterface, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		conn:    conn,
		close:   func() error { return nil },
		timeout: timeout,
		logger:  logger.With(zap.String("component", "codec")),
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

// Close shuts down the gRPC connection if this client owns it.
func (c *Client) Close() error {
	return c.close()
}

// #endregion constructor

// #region generate

// Generate sends a prompt and returns the generated line.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{fieldPrompt: prompt})
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	text, err := c.call(ctx, MethodGenerate, req)
	if err != nil {
		return "", fmt.Errorf("generate rpc: %w", err)
	}
	return text, nil
}

// #endregion generate

// #region describe

// Describe sends an image and returns a scene description.
func (c *Client) Describe(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("describe: empty image")
	}
	req, err := structpb.NewStruct(map[string]any{
		fieldImageBase64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", fmt.Errorf("describe request: %w", err)
	}
	text, err := c.call(ctx, MethodDescribe, req)
	if err != nil {
		return "", fmt.Errorf("describe rpc: %w", err)
	}
	return text, nil
}

// #endregion describe

// #region call

func (c *Client) call(ctx context.Context, method string, req *structpb.Struct) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		c.logger.Debug("call failed", zap.String("method", method), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return "", err
	}
	text := strings.TrimSpace(resp.GetFields()[fieldText].GetStringValue())
	c.logger.Debug("call done", zap.String("method", method), zap.Duration("elapsed", time.Since(start)), zap.Int("chars", len(text)))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// #endregion call
