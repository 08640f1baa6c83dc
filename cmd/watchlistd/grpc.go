package main

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/anime-watchlist/internal/platform/run"
)

// healthTask serves grpc.health.v1 so supervisors can probe the daemon.
// The overall status follows ready.
func healthTask(addr, service string, ready func() error, log *zap.Logger) run.Task {
	grpcSrv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	reflection.Register(grpcSrv)

	setStatus := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if ready != nil && ready() != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(service, st)
	}

	return run.Task{
		Name: "grpc",
		Start: func(ctx context.Context) error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			setStatus()
			go func() {
				t := time.NewTicker(10 * time.Second)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-t.C:
						setStatus()
					}
				}
			}()
			log.Info("grpc server starting", zap.String("addr", addr))
			if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
				return err
			}
			return nil
		},
		Stop: func(ctx context.Context) error {
			hs.Shutdown()
			stopped := make(chan struct{})
			go func() {
				grpcSrv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				grpcSrv.Stop()
			}
			return nil
		},
	}
}
