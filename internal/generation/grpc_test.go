package generation

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/ashureev/antirisk-desk/internal/resilience"
	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeSidecar serves the generation methods from an in-process listener.
type fakeSidecar struct {
	// rejections is the number of calls answered with RESOURCE_EXHAUSTED
	// before the sidecar starts answering.
	rejections atomic.Int32
	calls      atomic.Int32
	lastPrompt atomic.Value
}

func (f *fakeSidecar) answer(in *structpb.Struct) ([]*structpb.Struct, error) {
	f.calls.Add(1)
	f.lastPrompt.Store(in.GetFields()["prompt"].GetStringValue())
	if f.rejections.Load() > 0 {
		f.rejections.Add(-1)
		return nil, status.Error(codes.ResourceExhausted, "quota exceeded")
	}
	if in.GetFields()["prompt"].GetStringValue() == "forbidden" {
		return nil, status.Error(codes.PermissionDenied, "no access")
	}

	var out []*structpb.Struct
	for _, w := range []string{"Rotate ", "patrol ", "routes."} {
		s, err := structpb.NewStruct(map[string]any{"text": w})
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	last, err := structpb.NewStruct(map[string]any{
		"text": "",
		"sources": []any{
			map[string]any{"title": "ASIS", "url": "https://www.asisonline.org"},
			map[string]any{"title": "missing url"},
		},
	})
	if err != nil {
		return nil, err
	}
	return append(out, last), nil
}

func (f *fakeSidecar) desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: grpcService,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Generate",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				parts, err := f.answer(in)
				if err != nil {
					return nil, err
				}
				var text strings.Builder
				for _, p := range parts {
					text.WriteString(p.GetFields()["text"].GetStringValue())
				}
				out := parts[len(parts)-1]
				out.Fields["text"] = structpb.NewStringValue(text.String())
				return out, nil
			},
		}},
		Streams: []grpc.StreamDesc{{
			StreamName:    "GenerateStream",
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				in := &structpb.Struct{}
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				parts, err := f.answer(in)
				if err != nil {
					return err
				}
				for _, p := range parts {
					if err := stream.SendMsg(p); err != nil {
						return err
					}
				}
				return nil
			},
		}},
	}
}

func startSidecar(t *testing.T, f *fakeSidecar) *GRPC {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(f.desc(), f)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGRPCConfig("passthrough:///bufnet")
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGRPC(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestGRPCGenerate(t *testing.T) {
	f := &fakeSidecar{}
	client := startSidecar(t, f)

	res, err := client.Generate(t.Context(), Request{Prompt: "patrols", Search: true})
	require.NoError(t, err)
	assert.Equal(t, "Rotate patrol routes.", res.Text)
	assert.Equal(t, []domain.Source{{Title: "ASIS", URL: "https://www.asisonline.org"}}, res.Sources)
	assert.Equal(t, "patrols", f.lastPrompt.Load())
}

func TestGRPCGenerateStream(t *testing.T) {
	client := startSidecar(t, &fakeSidecar{})

	var text strings.Builder
	var sources []domain.Source
	for frag, err := range client.GenerateStream(t.Context(), Request{Prompt: "patrols"}) {
		require.NoError(t, err)
		text.WriteString(frag.Text)
		sources = append(sources, frag.Sources...)
	}
	assert.Equal(t, "Rotate patrol routes.", text.String())
	assert.Len(t, sources, 1)
}

func TestGRPCErrorsMapToNative(t *testing.T) {
	f := &fakeSidecar{}
	client := startSidecar(t, f)

	f.rejections.Store(1)
	_, err := client.Generate(t.Context(), Request{Prompt: "patrols"})
	require.Error(t, err)
	assert.True(t, errdefs.IsResourceExhausted(err))
	assert.Equal(t, resilience.ClassTransientCapacity, resilience.Classify(err))

	_, err = client.Generate(t.Context(), Request{Prompt: "forbidden"})
	require.Error(t, err)
	assert.True(t, errdefs.IsPermissionDenied(err))
	assert.Equal(t, resilience.ClassFatal, resilience.Classify(err))
}

func TestRetryingRecoversFromSidecarQuota(t *testing.T) {
	f := &fakeSidecar{}
	client := startSidecar(t, f)
	f.rejections.Store(2)

	var retries []resilience.Attempt
	policy := resilience.Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, GrowthFactor: 2, MaxDelay: 5 * time.Millisecond}
	r := NewRetrying(client, policy, nil, nil)

	var text strings.Builder
	req := Request{Operation: "chat", Prompt: "patrols", OnRetry: func(a resilience.Attempt) { retries = append(retries, a) }}
	for frag, err := range r.GenerateStream(t.Context(), req) {
		require.NoError(t, err)
		text.WriteString(frag.Text)
	}
	assert.Equal(t, "Rotate patrol routes.", text.String())
	assert.Equal(t, int32(3), f.calls.Load())
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Number)
	assert.Equal(t, 2, retries[1].Number)
}
