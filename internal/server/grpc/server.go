// Package grpcserver bridges gRPC calls onto the route dispatcher.
//
// There are no generated service stubs: every method is served by the
// unknown-service handler, which takes a structpb.Struct of parameters and
// answers with the envelope as a structpb.Struct. The full method name is the
// route path, so "/v1/reservations.create" and "/apiV1/v1/reservations.create"
// both work.
package grpcserver

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/kilnkeeper/internal/convert"
	"github.com/and161185/kilnkeeper/internal/dispatch"
)

// Response header keys.
const (
	HeaderRequestID  = "x-request-id"
	HeaderHTTPStatus = "x-http-status"
)

// Handler runs one dispatched call.
type Handler interface {
	Handle(ctx context.Context, req dispatch.Request) dispatch.Response
}

// Server adapts gRPC streams to a Handler.
type Server struct {
	h Handler
}

// New constructs a bridge over h.
func New(h Handler) *Server {
	return &Server{h: h}
}

// NewGRPCServer builds a grpc.Server with the bridge, the interceptors and
// the health service registered.
func NewGRPCServer(h Handler, log *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
		grpc.UnknownServiceHandler(New(h).Serve),
	)
	s := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

// Serve handles one call. It is a grpc.StreamHandler.
func (s *Server) Serve(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad request body: %v", err)
	}

	ctx := stream.Context()
	resp := s.h.Handle(ctx, dispatch.Request{
		Path:          method,
		Authorization: authorizationFromMD(ctx),
		RemoteAddr:    peerHost(ctx),
		Params:        convert.FromProtoParams(in),
	})

	md := metadata.Pairs(
		HeaderRequestID, resp.RequestID,
		HeaderHTTPStatus, strconv.Itoa(resp.HTTPStatus),
	)
	if err := stream.SetHeader(md); err != nil {
		return status.Errorf(codes.Internal, "set header: %v", err)
	}
	out, err := convert.ToProtoEnvelope(resp.Envelope)
	if err != nil {
		return status.Error(codes.Internal, "encode response")
	}
	return stream.SendMsg(out)
}
