// Command track-tail connects to a tracker's gRPC track stream and prints
// each snapshot as one JSON line.
//
// Usage:
//
//	track-tail [-addr localhost:50051] [-status confirmed] [-n 0]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/trackstream"
)

// Config holds the tool's options.
type Config struct {
	Addr   string
	Status string
	Count  int // stop after this many snapshots; 0 runs until the stream ends
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.Addr, "addr", "localhost:50051", "Tracker gRPC address")
	flag.StringVar(&cfg.Status, "status", "", "Only print tracks in this state (confirmed or coasting)")
	flag.IntVar(&cfg.Count, "n", 0, "Exit after n snapshots (0 for no limit)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	if err := run(ctx, conn, cfg, os.Stdout); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cc grpc.ClientConnInterface, cfg Config, w io.Writer) error {
	client, err := trackstream.StreamTracks(ctx, cc, cfg.Status)
	if err != nil {
		return fmt.Errorf("open track stream: %w", err)
	}
	enc := json.NewEncoder(w)
	for n := 0; cfg.Count == 0 || n < cfg.Count; n++ {
		set, err := client.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(set); err != nil {
			return err
		}
	}
	return nil
}
