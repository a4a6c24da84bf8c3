package server

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps a gRPC server and listener.
type GRPCServer struct {
	Server   *grpc.Server
	Listener net.Listener
}

// NewGRPCServer listens on addr. Every unary call is logged and counted;
// reflection is always on so gomiot-cli and grpcurl can discover services.
func NewGRPCServer(addr string, opts ...grpc.ServerOption) (*GRPCServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryObserver(logrus.WithField("component", "grpc")))}, opts...)
	s := grpc.NewServer(opts...)
	reflection.Register(s)

	return &GRPCServer{Server: s, Listener: ln}, nil
}

func (s *GRPCServer) Serve() error {
	return s.Server.Serve(s.Listener)
}

func unaryObserver(log *logrus.Entry) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := status.Code(err)
		rpcHandled.WithLabelValues(info.FullMethod, code.String()).Inc()
		rpcDuration.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())

		entry := log.WithFields(logrus.Fields{"method": info.FullMethod, "code": code.String(), "elapsed": elapsed.Round(time.Millisecond)})
		if err != nil {
			entry.WithError(err).Debug("rpc failed")
		} else {
			entry.Trace("rpc")
		}
		return resp, err
	}
}
