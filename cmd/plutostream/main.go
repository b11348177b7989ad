package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rfkit/plutostream/internal/dsp"
	"github.com/rfkit/plutostream/internal/logging"
	"github.com/rfkit/plutostream/internal/pluto"
	"github.com/rfkit/plutostream/internal/source"
	"github.com/rfkit/plutostream/internal/telemetry"
)

func main() {
	const configPath = "config.json"

	persisted, err := loadOrCreateConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, persisted)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		log.Fatalf("save config: %v", err)
	}

	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		log.Fatalf("%v", err)
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		log.Fatalf("%v", err)
	}
	logger := logging.New(level, format, os.Stderr)
	logging.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var drv *pluto.Device
	if cfg.uri != "" {
		drv, err = pluto.OpenURI(cfg.uri, logger)
	} else {
		drv, err = pluto.OpenIndex(cfg.deviceIndex, logger)
	}
	if err != nil {
		log.Fatalf("open device: %v", err)
	}

	src, err := source.Open(drv, source.Config{
		Buffers:       cfg.buffers,
		BufLen:        cfg.bufLen,
		Skip:          cfg.skip,
		Prefill:       cfg.prefill,
		SampleRateHz:  uint32(cfg.sampleRate),
		BandwidthHz:   uint32(cfg.bandwidth),
		LOFrequencyHz: uint64(cfg.centerFreq),
		GainDB:        cfg.gainDB,
		AutoGain:      cfg.autoGain,
	}, logger)
	if err != nil {
		_ = drv.Close()
		log.Fatalf("open source: %v", err)
	}
	defer src.Close()

	reporters := telemetry.MultiReporter{telemetry.NewStdoutReporter(logger)}
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit)
		reporters = append(reporters, hub)
		go telemetry.NewWebServer(cfg.webAddr, hub).Start(ctx)
		logger.Info("web telemetry listening", logging.Field{Key: "addr", Value: cfg.webAddr})
	}

	if err := src.Start(); err != nil {
		log.Fatalf("start stream: %v", err)
	}
	go func() {
		<-ctx.Done()
		src.Stop()
	}()

	if err := capture(src, reporters, cfg); err != nil {
		log.Fatalf("capture: %v", err)
	}
}

// capture pulls samples until end of stream or the configured duration
// elapses, reporting stream health once per second.
func capture(src *source.Source, reporter telemetry.Reporter, cfg cliConfig) error {
	out := make([]complex64, cfg.readSize)
	var total uint64
	deadline := time.Time{}
	if cfg.duration > 0 {
		deadline = time.Now().Add(cfg.duration)
	}
	lastReport := time.Now()

	for {
		n, err := src.Read(out)
		if errors.Is(err, io.EOF) {
			stats := src.Stats()
			logging.Default().Info("end of stream",
				logging.Field{Key: "samples", Value: stats.Samples},
				logging.Field{Key: "overflows", Value: stats.Overflows})
			return nil
		}
		if err != nil {
			return err
		}
		total += uint64(n)

		if time.Since(lastReport) >= time.Second {
			lastReport = time.Now()
			peak, _ := dsp.PeakDBFS(out[:n])
			stats := src.Stats()
			reporter.Report(telemetry.Stats{
				Timestamp:      lastReport,
				BlocksReceived: stats.Blocks,
				Overflows:      stats.Overflows,
				SamplesOut:     stats.Samples,
				BufferedBlocks: stats.Buffered,
				SampleRateHz:   src.SampleRateHz(),
				PeakDBFS:       peak,
			})
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			src.Stop()
		}
	}
}

type cliConfig struct {
	uri          string
	deviceIndex  int
	sampleRate   float64
	centerFreq   float64
	bandwidth    float64
	gainDB       float64
	autoGain     bool
	buffers      int
	bufLen       int
	skip         int
	prefill      int
	readSize     int
	duration     time.Duration
	historyLimit int
	webAddr      string
	logLevel     string
	logFormat    string
}

type persistentConfig struct {
	URI          string  `json:"uri"`
	DeviceIndex  int     `json:"device_index"`
	SampleRate   float64 `json:"sample_rate"`
	CenterFreq   float64 `json:"center_freq"`
	Bandwidth    float64 `json:"bandwidth"`
	GainDB       float64 `json:"gain_db"`
	AutoGain     bool    `json:"auto_gain"`
	Buffers      int     `json:"buffers"`
	BufLen       int     `json:"buflen"`
	Skip         int     `json:"skip"`
	Prefill      int     `json:"prefill"`
	ReadSize     int     `json:"read_size"`
	DurationSec  float64 `json:"duration_sec"`
	HistoryLimit int     `json:"history_limit"`
	WebAddr      string  `json:"web_addr"`
	LogLevel     string  `json:"log_level"`
	LogFormat    string  `json:"log_format"`
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	cfg := cliConfig{}
	var durationSec float64
	fs := flag.NewFlagSet("plutostream", flag.ContinueOnError)
	fs.StringVar(&cfg.uri, "uri", envString(lookup, "PLUTO_URI", defaults.URI), "IIOD host:port; empty to discover via mDNS")
	fs.IntVar(&cfg.deviceIndex, "device-index", envInt(lookup, "PLUTO_DEVICE_INDEX", defaults.DeviceIndex), "Discovered device index when no URI is given")
	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "PLUTO_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.Float64Var(&cfg.centerFreq, "center-freq", envFloat(lookup, "PLUTO_CENTER_FREQ", defaults.CenterFreq), "RX LO frequency in Hz")
	fs.Float64Var(&cfg.bandwidth, "bandwidth", envFloat(lookup, "PLUTO_BANDWIDTH", defaults.Bandwidth), "RF bandwidth in Hz (0 follows the sample rate)")
	fs.Float64Var(&cfg.gainDB, "gain", envFloat(lookup, "PLUTO_GAIN", defaults.GainDB), "Manual hardware gain in dB")
	fs.BoolVar(&cfg.autoGain, "agc", envBool(lookup, "PLUTO_AGC", defaults.AutoGain), "Use automatic gain control")
	fs.IntVar(&cfg.buffers, "buffers", envInt(lookup, "PLUTO_BUFFERS", defaults.Buffers), "Ring buffer slot count")
	fs.IntVar(&cfg.bufLen, "buflen", envInt(lookup, "PLUTO_BUFLEN", defaults.BufLen), "Bytes per block, multiple of 512")
	fs.IntVar(&cfg.skip, "skip", envInt(lookup, "PLUTO_SKIP", defaults.Skip), "Initial blocks to discard (-1 disables)")
	fs.IntVar(&cfg.prefill, "prefill", envInt(lookup, "PLUTO_PREFILL", defaults.Prefill), "Blocks buffered before the first read")
	fs.IntVar(&cfg.readSize, "read-size", envInt(lookup, "PLUTO_READ_SIZE", defaults.ReadSize), "Samples requested per read")
	fs.Float64Var(&durationSec, "duration", envFloat(lookup, "PLUTO_DURATION", defaults.DurationSec), "Capture duration in seconds (0 runs until interrupted)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "PLUTO_HISTORY_LIMIT", defaults.HistoryLimit), "Telemetry history entries to keep")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "PLUTO_WEB_ADDR", defaults.WebAddr), "Optional web telemetry listen address (e.g. :8080)")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "PLUTO_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "PLUTO_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	cfg.duration = time.Duration(durationSec * float64(time.Second))
	if cfg.readSize <= 0 {
		cfg.readSize = 1 << 14
	}
	return cfg, nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		URI:          cfg.uri,
		DeviceIndex:  cfg.deviceIndex,
		SampleRate:   cfg.sampleRate,
		CenterFreq:   cfg.centerFreq,
		Bandwidth:    cfg.bandwidth,
		GainDB:       cfg.gainDB,
		AutoGain:     cfg.autoGain,
		Buffers:      cfg.buffers,
		BufLen:       cfg.bufLen,
		Skip:         cfg.skip,
		Prefill:      cfg.prefill,
		ReadSize:     cfg.readSize,
		DurationSec:  cfg.duration.Seconds(),
		HistoryLimit: cfg.historyLimit,
		WebAddr:      cfg.webAddr,
		LogLevel:     cfg.logLevel,
		LogFormat:    cfg.logFormat,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	var cfg persistentConfig
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		URI:          "192.168.2.1:30431",
		SampleRate:   5e6,
		CenterFreq:   2.4e9,
		GainDB:       24,
		Buffers:      source.DefaultBuffers,
		BufLen:       source.DefaultBufLen,
		Skip:         source.DefaultSkip,
		Prefill:      source.DefaultPrefill,
		ReadSize:     1 << 14,
		HistoryLimit: 500,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
