// fcs-agent is the sandbox agent that runs inside each Firecracker microVM.
// It answers the framed JSON control protocol on vsock port 5000: exec and
// filesystem operations, plus ping and sync_fs.
//
// Build: CGO_ENABLED=0 GOOS=linux go build -o fcs-agent ./cmd/agent
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fcsandbox/fcsandbox/internal/agent"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("fcs-agent %s starting", version)

	// vsock port 5000 inside Firecracker, Unix socket fallback for testing.
	lis, err := listen()
	if err != nil {
		log.Fatalf("agent: failed to listen: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("agent: received %v, shutting down", sig)
		lis.Close()
		os.Exit(0)
	}()

	srv := agent.NewServer(version)
	if err := srv.Serve(lis); err != nil {
		log.Fatalf("agent: serve failed: %v", err)
	}
}
