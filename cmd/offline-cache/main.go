package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/CompuzettaRadios/offline-cache"
	"github.com/CompuzettaRadios/offline-cache/config"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	cacheVersionFlag   string
	skipWaitingFlag    bool
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, 'memory' for in-memory store (overrides config)")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Semantic version of the cache (overrides config)")
	flag.BoolVar(&skipWaitingFlag, "skip-waiting", false, "Activate a new cache version without waiting for force-activate")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	conf, err := config.Load(configFilenameFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Could not load config:", err)
		os.Exit(1)
	}
	applyFlags(&conf)

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if conf.LogFile != "" {
		if logFileOutput, err := os.OpenFile(conf.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	if err := conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	provider, err := conf.Provider()
	if err != nil {
		log.Fatal().Err(err).Str("db", conf.Database).Msg("Could not open cache database")
	}
	defer provider.Close()

	cacheConfig, err := conf.CacheConfig(provider, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	ocache, err := offlinecache.CreateCache(cacheConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create offline cache")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// requests are passed through until the version is active
	go func() {
		if err := ocache.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Cache version not installed, passing all requests through")
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", conf.Port),
		Handler: ocache.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", conf.Port, cacheConfig.OriginURL.String(), conf.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server stopped")
	}
}

// applyFlags overrides the loaded configuration with the flags given on the command line.
func applyFlags(conf *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "origin":
			conf.Origin = originFlag
		case "host":
			conf.Host = hostFlag
		case "port":
			conf.Port = portFlag
		case "db":
			conf.Database = dbFilenameFlag
		case "cache-version":
			conf.Version = cacheVersionFlag
		case "skip-waiting":
			conf.SkipWaiting = skipWaitingFlag
		case "log-file":
			conf.LogFile = logFilenameFlag
		}
	})
}
