// Package main is the entry point for the MCP runtime daemon.
// It hosts a Model Context Protocol peer engine behind the Streamable
// HTTP transport for use by remote MCP clients.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ruaan-deysel/mcp-runtime/daemon/cmd"
	"github.com/ruaan-deysel/mcp-runtime/daemon/domain"
	"github.com/ruaan-deysel/mcp-runtime/daemon/lib"
	"github.com/ruaan-deysel/mcp-runtime/daemon/logger"
)

// Version is the application version, set at build time via ldflags.
var Version = "dev"

var cli struct {
	Addr               string `default:":8080" env:"MCP_ADDR" help:"address the Streamable HTTP listener binds"`
	LogsDir            string `default:"/var/log" help:"directory to store logs"`
	LogLevel           string `default:"info" help:"log level: debug, info, warning, error"`
	Debug              bool   `default:"false" help:"enable debug mode with stdout logging"`
	Stateless          bool   `default:"false" env:"MCP_STATELESS" help:"serve the stateless Streamable HTTP variant (no session id, no resumable stream)"`
	StrictMode         bool   `default:"false" env:"MCP_STRICT_MODE" help:"reject requests other than initialize and ping until initialization completes"`
	MaxEventsPerStream int    `default:"256" env:"MCP_MAX_EVENTS_PER_STREAM" help:"bound on replayable events kept per SSE stream"`
	RequestTimeoutSecs int    `default:"30" env:"MCP_REQUEST_TIMEOUT_SECS" help:"default per-request timeout in seconds"`
	MetricsAddr        string `default:"" env:"MCP_METRICS_ADDR" help:"separate listener address for /metrics (empty: serve on the main listener)"`
	OriginsFile        string `default:"" env:"MCP_ORIGINS_FILE" help:"optional ini file with a comma-separated 'allow' key listing permitted Origin headers"`

	Serve cmd.Serve `cmd:"" default:"1" help:"start the MCP runtime"`
}

// cleanupOldLogs removes old rotated log files from previous versions.
// Lumberjack's MaxBackups only prevents new backups from accumulating,
// it doesn't clean up existing ones left over from a prior run with a
// different setting.
func cleanupOldLogs(logsDir, baseName string) {
	pattern := filepath.Join(logsDir, baseName+"-*.log")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, f := range files {
		_ = os.Remove(f)
	}
}

func main() {
	kctx := kong.Parse(&cli)

	fileCfg, err := domain.LoadConfigFile(domain.DefaultConfigPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "WARNING: failed to load config file: %v\n", err)
	}
	applyFileConfig(fileCfg)

	switch strings.ToLower(cli.LogLevel) {
	case "debug":
		logger.SetLevel(logger.LevelDebug)
	case "info":
		logger.SetLevel(logger.LevelInfo)
	case "warning", "warn":
		logger.SetLevel(logger.LevelWarning)
	case "error":
		logger.SetLevel(logger.LevelError)
	default:
		logger.SetLevel(logger.LevelInfo)
	}

	if cli.Debug {
		log.SetOutput(os.Stdout)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		logger.SetLevel(logger.LevelDebug)
		log.Println("Debug mode enabled - logging to stdout")
	} else {
		cleanupOldLogs(cli.LogsDir, "mcp-runtime")

		fileLogger := &lumberjack.Logger{
			Filename:   filepath.Join(cli.LogsDir, "mcp-runtime.log"),
			MaxSize:    5,     // 5 MB max file size
			MaxBackups: 1,     // keep only 1 backup file
			MaxAge:     1,     // delete backups older than 1 day
			Compress:   false, // no compression
		}
		multiWriter := io.MultiWriter(fileLogger, os.Stdout)
		log.SetOutput(multiWriter)
	}

	log.Printf("Starting MCP runtime v%s (log level: %s)", Version, cli.LogLevel)

	origins, err := loadOriginsAllowlist(cli.OriginsFile)
	if err != nil {
		log.Printf("WARNING: failed to load origin allowlist from %s: %v", cli.OriginsFile, err)
	}

	appCtx := domain.NewContext(domain.Config{
		Version:            Version,
		Addr:               cli.Addr,
		Stateless:          cli.Stateless,
		StrictMode:         cli.StrictMode,
		MaxEventsPerStream: cli.MaxEventsPerStream,
		RequestTimeout:     time.Duration(cli.RequestTimeoutSecs) * time.Second,
		AllowedOrigins:     origins,
		MetricsAddr:        cli.MetricsAddr,
	})

	err = kctx.Run(appCtx)
	kctx.FatalIfErrorf(err)
}

// loadOriginsAllowlist parses an ini.v1 file with a single top-level
// `allow` key holding a comma-separated Origin list. An empty path, or
// a missing file, yields no allowlist (every Origin is accepted).
func loadOriginsAllowlist(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	data, err := lib.ParseINIFile(path)
	if err != nil {
		return nil, err
	}
	raw := lib.GetINIValue(data, "allow", "")
	if raw == "" {
		return nil, nil
	}
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins, nil
}

// applyFileConfig merges config file values into the CLI struct.
// Only fields not explicitly set via CLI/env are overridden. Kong sets
// fields to their declared defaults before parsing, so file config
// values are applied after kong.Parse to fill in non-defaulted values.
// In practice this means file config acts as a "second default layer":
// CLI flag > env var > config file > struct default.
func applyFileConfig(fc *domain.FileConfig) {
	if fc == nil {
		return
	}
	if fc.Addr != nil && cli.Addr == ":8080" {
		cli.Addr = *fc.Addr
	}
	if fc.LogLevel != nil && cli.LogLevel == "info" {
		cli.LogLevel = *fc.LogLevel
	}
	if fc.LogsDir != nil && cli.LogsDir == "/var/log" {
		cli.LogsDir = *fc.LogsDir
	}
	if fc.Stateless != nil && !cli.Stateless {
		cli.Stateless = *fc.Stateless
	}
	if fc.StrictMode != nil && !cli.StrictMode {
		cli.StrictMode = *fc.StrictMode
	}
	if fc.MaxEventsPerStream != nil && cli.MaxEventsPerStream == 256 {
		cli.MaxEventsPerStream = *fc.MaxEventsPerStream
	}
	if fc.RequestTimeoutSecs != nil && cli.RequestTimeoutSecs == 30 {
		cli.RequestTimeoutSecs = *fc.RequestTimeoutSecs
	}
	if fc.MetricsAddr != nil && cli.MetricsAddr == "" {
		cli.MetricsAddr = *fc.MetricsAddr
	}
	if fc.OriginsFile != nil && cli.OriginsFile == "" {
		cli.OriginsFile = *fc.OriginsFile
	}
}
