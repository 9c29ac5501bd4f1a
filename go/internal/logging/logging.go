package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mcdev12/storefront/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global zerolog logger. Output goes to stderr and,
// when cfg.File is set, to a size-rotated file as JSON.
func Setup(cfg config.Log, service string) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var stderr io.Writer = os.Stderr
	if cfg.Format != "json" {
		stderr = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	out := stderr
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", service).Logger()
}
