// Command healthclient watches the conversation health reported by a running
// interview client over its admin gRPC port.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "ai-interview-session-client/internal/api/grpc"
)

func main() {
	serverAddr := flag.String("server", "localhost:50051", "admin gRPC address of the interview client")
	watch := flag.Bool("watch", false, "stream status changes until interrupted")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	req := &healthpb.HealthCheckRequest{Service: grpcapi.ServiceName}

	if !*watch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := client.Check(ctx, req)
		if err != nil {
			log.Fatalf("health check failed: %v", err)
		}
		log.Printf("%s: %s", grpcapi.ServiceName, resp.GetStatus())
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.Watch(ctx, req)
	if err != nil {
		log.Fatalf("failed to watch: %v", err)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("watch ended: %v", err)
		}
		log.Printf("%s: %s", grpcapi.ServiceName, resp.GetStatus())
	}
}
