// Command tracker runs the mmWave people tracker against a live radar (UART
// or UDP bridge) or a recording (CSV directory or PCAP), serving the track
// set over HTTP (and optionally a gRPC stream) and optionally persisting it
// to SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/api"
	"github.com/banshee-data/mmwave.tracker/internal/config"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l1packets"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/pipeline"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/replay"
	sqlite "github.com/banshee-data/mmwave.tracker/internal/mmwave/storage/sqlite"
	"github.com/banshee-data/mmwave.tracker/internal/mmwave/trackstream"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
	"github.com/banshee-data/mmwave.tracker/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the server)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC track stream address, e.g. localhost:50051 (empty disables)")
	configPath  = flag.String("config", "", "Tuning JSON file (built-in defaults when empty)")
	replayDir   = flag.String("replay", "", "Replay a directory of numbered CSV recordings")
	pcapFile    = flag.String("pcap", "", "Replay a PCAP/PCAPNG capture of the UDP bridge")
	pcapPort    = flag.Int("pcap-port", 0, "UDP destination port to keep from -pcap (0 keeps all)")
	udpAddr     = flag.String("udp", "", "Listen for TLV datagrams on this address, e.g. :10111")
	udpRcvBuf   = flag.Int("udp-rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	dataPort    = flag.String("data-port", "", "Radar data UART, e.g. /dev/ttyACM1")
	dataBaud    = flag.Int("data-baud", l1packets.DefaultDataBaudRate, "Data UART baud rate")
	cliPort     = flag.String("cli-port", "", "Radar CLI UART, e.g. /dev/ttyACM0")
	radarConfig = flag.String("radar-config", "", "Profile .cfg sent to -cli-port at startup")
	cfgDelay    = flag.Duration("radar-config-delay", 50*time.Millisecond, "Pause after each radar config command")
	dbPath      = flag.String("db", "", "SQLite track store (empty disables persistence)")
	recordDir   = flag.String("record", "", "Record raw frames as CSV into this directory")
	recordN     = flag.Int("record-frames-per-file", replay.DefaultFramesPerFile, "Frames per CSV file when recording")
	statsEvery  = flag.Duration("stats-interval", 10*time.Second, "Period of the pipeline stats log line (0 disables)")
	debugLog    = flag.String("debug-log", "", "Write pipeline ops/diag/trace logs to this file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// sourceFlags is the subset of flags that choose where frames come from.
type sourceFlags struct {
	replayDir string
	pcapFile  string
	udpAddr   string
	dataPort  string
}

type sourceKind int

const (
	sourceReplay sourceKind = iota
	sourcePCAP
	sourceUDP
	sourceSerial
)

func (k sourceKind) String() string {
	return [...]string{"replay", "pcap", "udp", "serial"}[k]
}

// live reports whether frames arrive in real time and may be dropped.
func (k sourceKind) live() bool { return k == sourceUDP || k == sourceSerial }

// selectSource checks that exactly one frame source was given.
func selectSource(f sourceFlags) (sourceKind, error) {
	var kinds []sourceKind
	if f.replayDir != "" {
		kinds = append(kinds, sourceReplay)
	}
	if f.pcapFile != "" {
		kinds = append(kinds, sourcePCAP)
	}
	if f.udpAddr != "" {
		kinds = append(kinds, sourceUDP)
	}
	if f.dataPort != "" {
		kinds = append(kinds, sourceSerial)
	}
	switch len(kinds) {
	case 0:
		return 0, errors.New("one of -replay, -pcap, -udp or -data-port is required")
	case 1:
		return kinds[0], nil
	default:
		return 0, fmt.Errorf("only one frame source may be given, got %v", kinds)
	}
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

type closingSource interface {
	pipeline.FrameSource
	io.Closer
}

// onceSource closes the wrapped source at most once. runLive closes it to
// unblock a read and run closes it again on the way out.
type onceSource struct {
	closingSource
	once sync.Once
	err  error
}

func (s *onceSource) Close() error {
	s.once.Do(func() { s.err = s.closingSource.Close() })
	return s.err
}

func openSource(kind sourceKind, tuning *config.TuningConfig) (closingSource, string, error) {
	interval := tuning.GetFrameInterval()
	clock := timeutil.RealClock{}
	switch kind {
	case sourceReplay:
		src, err := replay.OpenReader(*replayDir, interval)
		return src, "replay:" + *replayDir, err
	case sourcePCAP:
		src, err := l1packets.OpenPCAPSource(*pcapFile, *pcapPort, interval)
		return src, "pcap:" + *pcapFile, err
	case sourceUDP:
		src, err := l1packets.ListenUDP(*udpAddr, *udpRcvBuf, clock, interval)
		return src, "udp:" + *udpAddr, err
	default:
		src, err := l1packets.OpenSerialSource(*dataPort, l1packets.PortOptions{BaudRate: *dataBaud}, clock, interval)
		return src, "serial:" + *dataPort, err
	}
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	log.Printf("mmwave tracker %s", version.Get())

	kind, err := selectSource(sourceFlags{*replayDir, *pcapFile, *udpAddr, *dataPort})
	if err != nil {
		return err
	}
	tuning, err := loadTuning(*configPath)
	if err != nil {
		return err
	}

	if *debugLog != "" {
		f, err := os.OpenFile(*debugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open debug log: %w", err)
		}
		defer f.Close()
		pipeline.SetLogWriters(os.Stderr, f, f)
	} else {
		pipeline.SetLogWriters(os.Stderr, nil, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cli io.ReadWriteCloser
	if *cliPort != "" {
		port, err := l1packets.OpenCLIPort(*cliPort)
		if err != nil {
			return err
		}
		defer port.Close()
		cli = port
		if *radarConfig != "" {
			cfg, err := os.Open(*radarConfig)
			if err != nil {
				return fmt.Errorf("open radar config: %w", err)
			}
			n, err := l1packets.ConfigureRadar(ctx, cli, cfg, *cfgDelay)
			cfg.Close()
			if err != nil {
				return fmt.Errorf("configure radar: %w", err)
			}
			log.Printf("sent %d commands from %s", n, *radarConfig)
		}
	}

	opened, label, err := openSource(kind, tuning)
	if err != nil {
		return err
	}
	src := &onceSource{closingSource: opened}
	defer src.Close()

	var opts []pipeline.Option
	var store *sqlite.Store
	var session *sqlite.SessionRecorder
	if *dbPath != "" {
		store, err = sqlite.Open(*dbPath)
		if err != nil {
			return fmt.Errorf("open track store: %w", err)
		}
		defer store.Close()
		session, err = store.StartSession(label, tuning)
		if err != nil {
			return err
		}
		defer func() {
			if err := session.End(); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()
		opts = append(opts, pipeline.WithTrackSink(session))
	}
	if *recordDir != "" {
		rec, err := replay.NewRecorder(*recordDir, *recordN)
		if err != nil {
			return err
		}
		defer rec.Close()
		opts = append(opts, pipeline.WithRecorder(rec))
	}

	sched, err := pipeline.NewFromTuning(tuning, opts...)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup

	if *listen != "" {
		apiOpts := []api.Option{api.WithTuning(tuning)}
		if store != nil {
			apiOpts = append(apiOpts, api.WithStore(store))
		}
		if cli != nil {
			apiOpts = append(apiOpts, api.WithRadarCLI(cli))
		}
		mux, err := api.NewServer(sched, apiOpts...).ServeMux()
		if err != nil {
			return err
		}
		server := &http.Server{Addr: *listen, Handler: api.LoggingMiddleware(mux)}

		wg.Add(1)
		go func() {
			defer wg.Done()
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("HTTP server failed: %v", err)
					stop()
				}
			}()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				server.Close()
			}
			log.Printf("HTTP server routine stopped")
		}()
		log.Printf("serving on %s", *listen)
	}

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			return fmt.Errorf("listen for gRPC: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := trackstream.NewServer(sched).Serve(ctx, lis); err != nil {
				log.Printf("gRPC server failed: %v", err)
				stop()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.ReportStats(ctx, *statsEvery)
	}()

	log.Printf("processing frames from %s", label)
	var runErr error
	if kind.live() {
		runErr = runLive(ctx, sched, src)
	} else {
		runErr = sched.Replay(ctx, src)
		if runErr == nil && *listen != "" {
			log.Printf("replay finished; still serving until interrupted")
			<-ctx.Done()
		}
	}
	stop()
	wg.Wait()

	st := sched.Stats()
	log.Printf("done: processed=%d dropped=%d malformed=%d overruns=%d",
		st.Processed, st.Dropped, st.Malformed, st.Overruns)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// runLive reads the source on one goroutine and processes on another so a
// slow frame drops stale input instead of backing it up. When the source
// ends on its own, the last frame it delivered is processed before returning.
func runLive(ctx context.Context, sched *pipeline.Scheduler, src closingSource) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	feedErr := make(chan error, 1)
	go func() {
		feedErr <- sched.Feed(runCtx, src)
		cancel()
	}()

	// Closing the source unblocks a Next stuck in a read.
	go func() {
		<-runCtx.Done()
		src.Close()
	}()

	err := sched.Run(runCtx)
	ferr := <-feedErr
	if ctx.Err() != nil {
		return err
	}
	sched.Flush()
	return ferr
}
