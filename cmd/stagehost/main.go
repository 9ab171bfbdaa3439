package main

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kunal/buffer-router/pkg/config"
	"github.com/kunal/buffer-router/pkg/host"
	"google.golang.org/grpc"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	log.Printf("⚡ Stage host %s starting on port %d", cfg.StageName, cfg.StagePort)
	log.Printf("   Metrics on port %d", cfg.MetricsPort)
	log.Printf("   Device: %s | Backend: %s", cfg.Device, cfg.AcceleratorBackend)
	log.Printf("   Routing: %v -> %v", cfg.Routing, cfg.OutputNames)

	// Mismatched routing and names is a configuration error: abort here,
	// before the pipeline can ever schedule the stage.
	factory, err := cfg.Factory()
	if err != nil {
		log.Fatalf("❌ Failed to build stage factory: %v", err)
	}

	h := host.New(cfg.StageName, factory, host.WithBroadcastInterval(cfg.BroadcastInterval))
	h.StartPublisher()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	h.RegisterGRPC(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.StagePort))
	if err != nil {
		log.Fatalf("❌ Failed to listen on port %d: %v", cfg.StagePort, err)
	}

	// Start metrics + dashboard HTTP server
	go func() {
		mux := http.NewServeMux()
		h.RegisterHTTP(mux)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Printf("📊 Metrics endpoint on %s/metrics, dashboard feed on %s/ws", addr, addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Fatalf("❌ Metrics server failed: %v", err)
		}
	}()

	// Start gRPC in background
	go func() {
		log.Printf("🚀 gRPC server listening on %s", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("❌ gRPC server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down stage host...")
	grpcServer.GracefulStop()
	h.Stop()
	log.Println("✅ Stage host stopped")
}
