package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/google/device-infra-sub011/internal/log"
)

// unary wraps a service method with the cross-cutting behaviour spec §4.7
// requires of every unary handler: (a) domain-error -> RPC-status
// translation, (b) request/response logging when debug is enabled, (c) the
// client's own deadline already applies because it's carried on ctx by
// grpc-go itself. fn does the actual work.
func unary[Req, Resp any](l *log.Logger, debug bool, method string, fn func(ctx context.Context, req Req) (Resp, error)) func(ctx context.Context, req Req) (Resp, error) {
	return func(ctx context.Context, req Req) (Resp, error) {
		if debug {
			l.Debug().Str("method", method).Any("request", req).Msg("rpc request")
		}
		resp, err := fn(ctx, req)
		if debug {
			l.Debug().Str("method", method).Any("response", resp).Err(err).Msg("rpc response")
		}
		if err != nil {
			var zero Resp
			return zero, toStatus(err)
		}
		return resp, nil
	}
}

// unaryGRPCHandler adapts a unary(...) closure to grpc.MethodHandler, doing
// the codec-level request decode grpc.Server expects.
func unaryGRPCHandler[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		var req Req
		if err := dec(&req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, req.(Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}
