package grpcserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:12345" }

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f fakeStream) Context() context.Context { return f.ctx }

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core), logs
}

func onlyEntry(t *testing.T, logs *observer.ObservedLogs) map[string]any {
	t.Helper()
	all := logs.All()
	if len(all) != 1 {
		t.Fatalf("want one log entry, got %d", len(all))
	}
	return all[0].ContextMap()
}

func TestLoggingStream_RecordsCallMetadata(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		method   string
		err      error
		wantCode string
	}{
		{"ok", "/v1/reservations.get", nil, "OK"},
		{"legacy path", "/apiV1/v1/reservations.update", nil, "OK"},
		{"transport error", "/v1/reservations.list", status.Error(codes.Unavailable, "down"), "Unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log, logs := observed()
			ic := LoggingStream(log)
			ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: fakeAddr{}})

			err := ic(nil, fakeStream{ctx: ctx}, &grpc.StreamServerInfo{FullMethod: tc.method},
				func(any, grpc.ServerStream) error { return tc.err })
			if !errors.Is(err, tc.err) {
				t.Fatalf("want original error, got: %v", err)
			}
			f := onlyEntry(t, logs)
			if f["method"] != tc.method || f["code"] != tc.wantCode || f["peer"] != "127.0.0.1:12345" {
				t.Fatalf("fields: %v", f)
			}
		})
	}
}

func TestLoggingUnary_NoPayloadAndDuration(t *testing.T) {
	t.Parallel()

	log, logs := observed()
	ic := LoggingUnary(log)
	h := func(context.Context, any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return "secret-response", nil
	}

	resp, err := ic(context.Background(), "secret-request", &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, h)
	if err != nil || resp != "secret-response" {
		t.Fatalf("unexpected result: %v, %v", resp, err)
	}
	f := onlyEntry(t, logs)
	if d, _ := f["dur"].(time.Duration); d < 5*time.Millisecond {
		t.Fatalf("duration should reflect handler time: %v", f["dur"])
	}
	if f["peer"] != "" {
		t.Fatalf("peer without peer info: %v", f["peer"])
	}
	for k, v := range f {
		if v == "secret-request" || v == "secret-response" {
			t.Fatalf("payload leaked into field %q", k)
		}
	}
}

func TestRecover_PanicsBecomeInternal(t *testing.T) {
	t.Parallel()

	t.Run("unary", func(t *testing.T) {
		log, logs := observed()
		ic := RecoverUnary(log)
		info := &grpc.UnaryServerInfo{FullMethod: "/v1/reservations.update"}

		_, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) { panic("oh no") })
		if st, ok := status.FromError(err); !ok || st.Code() != codes.Internal {
			t.Fatalf("want codes.Internal, got: %v", err)
		}
		if n := logs.FilterMessage("panic").FilterField(zap.String("method", info.FullMethod)).Len(); n != 1 {
			t.Fatalf("want one panic entry, got %d", n)
		}

		resp, err := ic(context.Background(), nil, info, func(context.Context, any) (any, error) { return 42, nil })
		if err != nil || resp != 42 {
			t.Fatalf("passthrough: %v, %v", resp, err)
		}
	})

	t.Run("stream", func(t *testing.T) {
		log, logs := observed()
		ic := RecoverStream(log)
		info := &grpc.StreamServerInfo{FullMethod: "/apiV1/v1/reservations.update"}

		err := ic(nil, fakeStream{ctx: context.Background()}, info, func(any, grpc.ServerStream) error {
			panic("stream boom")
		})
		if st, ok := status.FromError(err); !ok || st.Code() != codes.Internal {
			t.Fatalf("want codes.Internal, got: %v", err)
		}
		if logs.FilterMessage("panic").Len() != 1 {
			t.Fatalf("panic not logged")
		}

		if err := ic(nil, fakeStream{ctx: context.Background()}, info, func(any, grpc.ServerStream) error { return nil }); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	})
}
