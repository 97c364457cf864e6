package codec

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region mock

type mockConn struct {
	method string
	req    *structpb.Struct
	reply  map[string]any
	err    error
	calls  int
}

func (m *mockConn) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	m.calls++
	m.method = method
	m.req = args.(*structpb.Struct)
	if m.err != nil {
		return m.err
	}
	s, err := structpb.NewStruct(m.reply)
	if err != nil {
		return err
	}
	proto.Merge(reply.(*structpb.Struct), s)
	return nil
}

func (m *mockConn) NewStream(context.Context, *grpc.StreamDesc, string, ...grpc.CallOption) (grpc.ClientStream, error) {
	return nil, errors.New("not supported")
}

// #endregion mock

// #region generate-tests

func TestGenerate_Success(t *testing.T) {
	conn := &mockConn{reply: map[string]any{"text": "  hello world \n"}}
	c := NewWithConn(conn, Options{}, nil)

	text, err := c.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, MethodGenerate, conn.method)
	assert.Equal(t, "prompt", conn.req.GetFields()["prompt"].GetStringValue())
}

func TestGenerate_Error(t *testing.T) {
	rpcErr := errors.New("rpc failed")
	c := NewWithConn(&mockConn{err: rpcErr}, Options{}, nil)

	_, err := c.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, rpcErr)
}

func TestGenerate_EmptyText(t *testing.T) {
	c := NewWithConn(&mockConn{reply: map[string]any{"text": "   "}}, Options{}, nil)
	_, err := c.Generate(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

// #endregion generate-tests

// #region describe-tests

func TestDescribe_EncodesImage(t *testing.T) {
	conn := &mockConn{reply: map[string]any{"text": "a cone on the left"}}
	c := NewWithConn(conn, Options{}, nil)

	text, err := c.Describe(context.Background(), []byte{0xff, 0xd8})
	require.NoError(t, err)
	assert.Equal(t, "a cone on the left", text)
	assert.Equal(t, MethodDescribe, conn.method)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}), conn.req.GetFields()["image_b64"].GetStringValue())
}

func TestDescribe_EmptyImage(t *testing.T) {
	conn := &mockConn{}
	_, err := NewWithConn(conn, Options{}, nil).Describe(context.Background(), nil)
	assert.Error(t, err)
	assert.Zero(t, conn.calls)
}

// #endregion describe-tests

// #region limiter-tests

func TestRateLimitHonoursContext(t *testing.T) {
	conn := &mockConn{reply: map[string]any{"text": "ok"}}
	c := NewWithConn(conn, Options{RateLimit: 0.001, Burst: 1}, nil)

	_, err := c.Generate(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, "second")
	assert.Error(t, err)
	assert.Equal(t, 1, conn.calls)
}

// #endregion limiter-tests

// #region grpc-tests

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: handle(func(req *structpb.Struct) (string, error) {
			return "echo: " + req.GetFields()["prompt"].GetStringValue(), nil
		})},
		{MethodName: "Describe", Handler: handle(func(*structpb.Struct) (string, error) {
			return "", status.Error(codes.Unavailable, "camera model offline")
		})},
	},
}

func handle(fn func(*structpb.Struct) (string, error)) grpc.MethodHandler {
	return func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		text, err := fn(req)
		if err != nil {
			return nil, err
		}
		return structpb.NewStruct(map[string]any{"text": text})
	}
}

func TestClientOverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	srv.RegisterService(&testServiceDesc, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	c := NewWithConn(conn, Options{Timeout: 5 * time.Second}, nil)
	t.Cleanup(func() { _ = conn.Close() })

	text, err := c.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", text)

	_, err = c.Describe(context.Background(), []byte("jpeg"))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestDialDoesNotConnectEagerly(t *testing.T) {
	c, err := Dial("localhost:0", Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

// #endregion grpc-tests
