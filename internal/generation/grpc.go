package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/antirisk-desk/internal/domain"
	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Sidecar method names. Messages are google.protobuf.Struct values carrying
// the fields of Request and Result.
const (
	grpcService              = "antirisk.generation.v1.Generation"
	grpcMethodGenerate       = "/" + grpcService + "/Generate"
	grpcMethodGenerateStream = "/" + grpcService + "/GenerateStream"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the sidecar client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults; tests use them to dial in-process.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration for addr.
func DefaultGRPCConfig(addr string) GRPCConfig {
	return GRPCConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC calls a generation sidecar over gRPC.
type GRPC struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// NewGRPC connects to the sidecar and waits until the connection is ready.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for generation sidecar at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generation sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generation sidecar", "address", cfg.Address)
	return &GRPC{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the connection.
func (c *GRPC) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Generate implements Generator.
func (c *GRPC) Generate(ctx context.Context, req Request) (Result, error) {
	in, err := requestStruct(req)
	if err != nil {
		return Result{}, err
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, grpcMethodGenerate, in, out); err != nil {
		return Result{}, fmt.Errorf("generate request failed: %w", errgrpc.ToNative(err))
	}
	frag := fragmentFromStruct(out)
	return Result{Text: frag.Text, Sources: frag.Sources}, nil
}

// GenerateStream implements Generator.
func (c *GRPC) GenerateStream(ctx context.Context, req Request) iter.Seq2[domain.Fragment, error] {
	return func(yield func(domain.Fragment, error) bool) {
		in, err := requestStruct(req)
		if err != nil {
			yield(domain.Fragment{}, err)
			return
		}

		// The stream is torn down when the consumer stops early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, grpcMethodGenerateStream)
		if err != nil {
			yield(domain.Fragment{}, fmt.Errorf("generate stream request failed: %w", errgrpc.ToNative(err)))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield(domain.Fragment{}, fmt.Errorf("generate stream send: %w", errgrpc.ToNative(err)))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(domain.Fragment{}, fmt.Errorf("generate stream close send: %w", errgrpc.ToNative(err)))
			return
		}

		for {
			out := &structpb.Struct{}
			err := stream.RecvMsg(out)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(domain.Fragment{}, fmt.Errorf("generate stream error: %w", errgrpc.ToNative(err)))
				return
			}
			if !yield(fragmentFromStruct(out), nil) {
				return
			}
		}
	}
}

func requestStruct(req Request) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"operation": req.Operation,
		"prompt":    req.Prompt,
		"system":    req.System,
		"model":     req.Model,
		"search":    req.Search,
		"json":      req.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}
	return s, nil
}

func fragmentFromStruct(s *structpb.Struct) domain.Fragment {
	fields := s.GetFields()
	frag := domain.Fragment{Text: fields["text"].GetStringValue()}
	for _, v := range fields["sources"].GetListValue().GetValues() {
		src := v.GetStructValue().GetFields()
		url := src["url"].GetStringValue()
		if url == "" {
			continue
		}
		frag.Sources = append(frag.Sources, domain.Source{Title: src["title"].GetStringValue(), URL: url})
	}
	return frag
}
