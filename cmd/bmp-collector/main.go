package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/bmp-collector/internal/bus"
	"github.com/route-beacon/bmp-collector/internal/collector"
	"github.com/route-beacon/bmp-collector/internal/config"
	"github.com/route-beacon/bmp-collector/internal/cpumon"
	collectorhttp "github.com/route-beacon/bmp-collector/internal/http"
	"github.com/route-beacon/bmp-collector/internal/metrics"
	"github.com/route-beacon/bmp-collector/internal/topic"
)

const version = "2.1.0"

// Exit codes: 0 normal, 1 usage error, 2 config load failure.
const (
	exitOK     = 0
	exitUsage  = 1
	exitConfig = 2
)

type cliFlags struct {
	configPath string
	adminID    string
	logFile    string
	debugFile  string
	pidFile    string
	foreground bool

	port        int
	mode        string
	brokers     string
	bufferMiB   int
	heartbeatHi int // minutes; config stores seconds

	showVersion bool

	debugGeneral bool
	debugBMP     bool
	debugMsgBus  bool
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("bmp-collector", flag.ContinueOnError)
	fs.Usage = func() { usage(fs.Output()) }

	fs.StringVar(&f.configPath, "c", "", "config filename")
	fs.StringVar(&f.adminID, "a", "", "admin ID for the collector; must be unique per collector")
	fs.StringVar(&f.logFile, "l", "", "log filename, default is stdout")
	fs.StringVar(&f.debugFile, "d", "", "debug log filename, default is the log filename")
	fs.StringVar(&f.pidFile, "pid", "", "PID filename, default is no pid file")
	fs.BoolVar(&f.foreground, "f", false, "run in foreground (recorded only; the process never forks)")
	fs.BoolVar(&f.showVersion, "v", false, "print version and exit")

	fs.IntVar(&f.port, "p", 0, "BMP listening port")
	fs.StringVar(&f.mode, "m", "", "listen mode: v4, v6, or v4v6")
	fs.StringVar(&f.brokers, "k", "", "kafka broker list host:port[,...]")
	fs.IntVar(&f.bufferMiB, "b", 0, "per-router BMP read buffer size in MiB (2-384)")
	fs.IntVar(&f.heartbeatHi, "hi", 0, "heartbeat interval in minutes")

	fs.BoolVar(&f.debugGeneral, "debug", false, "debug general items")
	fs.BoolVar(&f.debugBMP, "dbmp", false, "debug the BMP parser")
	fs.BoolVar(&f.debugMsgBus, "dmsgbus", false, "debug the message bus")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return f, nil
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: bmp-collector <options>

  REQUIRED:
     -c <filename>     Config filename
          OR
     -a <string>       Admin ID for this collector; hostname or IP is good to use

  OPTIONAL:
     -pid <filename>   PID filename, default is no pid file
     -l <filename>     Log filename, default is stdout
     -d <filename>     Debug filename, default is the log filename
     -f                Run in foreground (recorded only; the process never forks)
     -p <port>         BMP listening port (default 5000)
     -m <mode>         Listen mode: v4, v6, or v4v6 (default v4)
     -k <host:port>    Kafka broker list host:port[,...] (default 127.0.0.1:9092)
     -b <MiB>          Per-router buffer size in MiB (default 15, range 2-384)
     -hi <minutes>     Heartbeat interval in minutes

  OTHER:
     -v                Version
     -h                Help

  DEBUG:
     -debug            Debug general items
     -dbmp             Debug BMP parser
     -dmsgbus          Debug message bus
`)
}

// applyFlags overlays CLI options onto the loaded config.
func applyFlags(cfg *config.Config, f *cliFlags) {
	if f.adminID != "" {
		cfg.Base.CollectorName = f.adminID
	}
	if f.logFile != "" {
		cfg.Base.LogFile = f.logFile
	}
	if f.debugFile != "" {
		cfg.Base.DebugFile = f.debugFile
	}
	if f.pidFile != "" {
		cfg.Base.PIDFile = f.pidFile
	}
	if f.foreground {
		cfg.Base.Daemon = false
	}
	if f.port != 0 {
		cfg.Base.ListenPort = f.port
	}
	if f.mode != "" {
		cfg.Base.ListenMode = f.mode
	}
	if f.brokers != "" {
		cfg.Kafka.Brokers = strings.Split(f.brokers, ",")
	}
	if f.bufferMiB != 0 {
		cfg.Base.RingBufferSizeMiB = f.bufferMiB
	}
	if f.heartbeatHi != 0 {
		// The flag takes minutes; the config stores seconds.
		cfg.Base.HeartbeatInterval = f.heartbeatHi * 60
	}
	if f.debugGeneral {
		cfg.Debug.Collector = true
		cfg.Debug.Worker = true
	}
	if f.debugBMP {
		cfg.Debug.Worker = true
		cfg.Debug.Encapsulator = true
	}
	if f.debugMsgBus {
		cfg.Debug.MessageBus = true
	}
}

func initLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	switch cfg.Service.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}
	if cfg.Debug.All || cfg.Debug.Collector || cfg.Debug.Worker ||
		cfg.Debug.Encapsulator || cfg.Debug.MessageBus {
		level = zapcore.DebugLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Base.LogFile != "" {
		zapCfg.OutputPaths = []string{cfg.Base.LogFile}
		zapCfg.ErrorOutputPaths = []string{cfg.Base.LogFile}
	} else {
		zapCfg.OutputPaths = []string{"stdout"}
	}
	if cfg.Base.DebugFile != "" {
		zapCfg.OutputPaths = append(zapCfg.OutputPaths, cfg.Base.DebugFile)
	}

	return zapCfg.Build()
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	f, err := parseFlags(args)
	if err != nil {
		if err == flag.ErrHelp {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if f.showVersion {
		fmt.Printf("bmp-collector %s\n", version)
		return exitOK
	}
	if f.configPath == "" && f.adminID == "" {
		fmt.Fprintln(os.Stderr, "either -c <config> or -a <admin id> is required")
		usage(os.Stderr)
		return exitUsage
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return exitConfig
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		return exitConfig
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting bmp-collector",
		zap.String("version", version),
		zap.String("collector_name", cfg.Base.CollectorName),
		zap.String("listen_mode", cfg.Base.ListenMode),
		zap.Int("listen_port", cfg.Base.ListenPort),
	)

	if cfg.Base.PIDFile != "" {
		if err := writePIDFile(cfg.Base.PIDFile); err != nil {
			logger.Fatal("failed to write pid file", zap.Error(err))
		}
		defer os.Remove(cfg.Base.PIDFile)
	}

	// Grouping rules were validated at load; compile them for the resolver.
	routerGroups, err := topic.NewMatcher(cfg.Grouping.RouterGroups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		return exitConfig
	}
	peerGroups, err := topic.NewMatcher(cfg.Grouping.PeerGroups)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in config: %v\n", err)
		return exitConfig
	}

	resolver := topic.NewResolver(topic.Config{
		CollectorName:     cfg.Base.CollectorName,
		CollectorGroup:    cfg.Base.CollectorGroup,
		CollectorTemplate: cfg.Topics.Collector,
		RouterTemplate:    cfg.Topics.Router,
		RawBMPTemplate:    cfg.Topics.BMPRaw,
		RouterGroups:      routerGroups,
		PeerGroups:        peerGroups,
	})

	publisher, err := bus.New(cfg.Kafka, cfg.Librdkafka, logger.Named("bus"))
	if err != nil {
		logger.Error("failed to create kafka producer", zap.Error(err))
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cpuMon, err := cpumon.New(time.Second, logger.Named("cpumon"))
	if err != nil {
		logger.Warn("cpu monitor unavailable, admission gate disabled", zap.Error(err))
		cpuMon = nil
	} else {
		go cpuMon.Run(ctx)
	}

	supervisor := collector.New(cfg, resolver, publisher, cpuReader(cpuMon), logger.Named("collector"))

	httpServer := collectorhttp.NewServer(cfg.Service.HTTPListen, publisher, supervisor, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		return exitUsage
	}

	// Graceful stop on the usual signals; SIGPIPE is routed here too so a
	// dead log pipe quiesces the collector instead of killing it mid-write.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGPIPE)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Run blocks until ctx is cancelled and all workers are quiesced.
	if err := supervisor.Run(ctx); err != nil {
		logger.Error("supervisor failed", zap.Error(err))
		httpServer.Shutdown(context.Background())
		publisher.Close(2 * time.Second)
		return exitUsage
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Flush the outbound queue before exiting; the publisher bounds its
	// own drain regardless of the overall shutdown budget.
	publisher.Close(shutdownTimeout)

	logger.Info("bmp-collector stopped")
	return exitOK
}

// cpuReader adapts the nil case: a nil *cpumon.Monitor disables the gate.
func cpuReader(m *cpumon.Monitor) collector.CPUReader {
	if m == nil {
		return nil
	}
	return m
}
