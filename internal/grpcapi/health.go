// Package grpcapi exposes the standard gRPC health service.  Serving status
// follows location store reachability: with the store down every decision
// fails closed, so the server reports NOT_SERVING.
package grpcapi

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health check key of the access decision service.
const ServiceName = "apb.v1.AccessDecision"

// Pinger is satisfied by the location store and the report service.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	clk      quartz.Clock
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	serving bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewServer(p Pinger, interval time.Duration, clk quartz.Clock, log *zap.Logger) *Server {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		grpc:     g,
		health:   hs,
		pinger:   p,
		clk:      clk,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Serve blocks serving gRPC on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Start runs an immediate check, then re-checks on the interval until ctx
// is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.Check(ctx)
	go s.loop(ctx)
}

func (s *Server) loop(ctx context.Context) {
	defer close(s.done)

	ticker := s.clk.NewTicker(s.interval, "health", "poll")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check pings the store once and publishes the result.
func (s *Server) Check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	err := s.pinger.Ping(pctx)

	s.mu.Lock()
	changed := s.serving != (err == nil)
	s.serving = err == nil
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)

	if changed {
		if err != nil {
			s.log.Warn("store unreachable, reporting not serving", zap.Error(err))
		} else {
			s.log.Info("store reachable, reporting serving")
		}
	}
}

// Stop ends the poll loop, marks every service NOT_SERVING and stops the
// gRPC server gracefully.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
