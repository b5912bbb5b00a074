package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/isdmx/plcoordinator/api"
)

// Protocol is the transport name published in the coordinator state.
const Protocol = "grpc"

// Server exposes an api.Service over gRPC.
type Server struct {
	logger *zap.Logger
	grpc   *grpc.Server
}

// NewServer registers svc on a new gRPC server.
func NewServer(logger *zap.Logger, svc api.Service) *Server {
	s := &Server{logger: logger}
	s.grpc = grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoverPanics, s.logCalls))
	s.grpc.RegisterService(&serviceDesc, svc)
	return s
}

// Protocol implements coordinator.Transport.
func (s *Server) Protocol() string {
	return Protocol
}

// Serve accepts connections on lis until Shutdown. It returns nil after a
// graceful stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("serving gRPC", zap.String("address", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown waits for in-flight calls to finish, or stops hard when ctx ends
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
		return ctx.Err()
	}
}

func (s *Server) recoverPanics(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in handler",
				zap.String("method", info.FullMethod),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = status.Error(codes.Internal, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return handler(ctx, req)
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	begin := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Debug("handled call",
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(begin)),
		zap.Error(err))
	return resp, err
}
