// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       false,
		FilePath:   filepath.Join(home, ".config", "arki-trader", "logs", "arki.log"),
		MaxSize:    50,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

var levelLabels = map[string]string{
	"debug": color.New(color.FgCyan).Sprint("DBG"),
	"info":  color.New(color.FgGreen).Sprint("INF"),
	"warn":  color.New(color.FgYellow).Sprint("WRN"),
	"error": color.New(color.FgRed).Sprint("ERR"),
	"fatal": color.New(color.FgRed, color.Bold).Sprint("FTL"),
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stderr)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stderr,
				TimeFormat: time.RFC3339,
				FormatLevel: func(i interface{}) string {
					ll, ok := i.(string)
					if !ok {
						return "???"
					}
					if label, ok := levelLabels[ll]; ok {
						return label
					}
					return strings.ToUpper(ll)
				},
			})
		}
	}

	// File writer with rotation
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(writer).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithAccount adds an account ID to the logger context.
func WithAccount(logger zerolog.Logger, accountID string) zerolog.Logger {
	return logger.With().Str("account", accountID).Logger()
}

// WithDeposit adds a deposit ID to the logger context.
func WithDeposit(logger zerolog.Logger, depositID string) zerolog.Logger {
	return logger.With().Str("deposit_id", depositID).Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// LogDeposit logs an accepted deposit.
func LogDeposit(logger zerolog.Logger, depositID, accountID string, amount decimal.Decimal) {
	logger.Info().
		Str("event", "deposit").
		Str("deposit_id", depositID).
		Str("account", accountID).
		Str("amount", amount.StringFixed(2)).
		Msg("Deposit accepted")
}

// LogFill logs an executed order.
func LogFill(logger zerolog.Logger, orderID, instrument, side string, qty int64, price decimal.Decimal) {
	logger.Info().
		Str("event", "fill").
		Str("order_id", orderID).
		Str("instrument", instrument).
		Str("side", side).
		Int64("quantity", qty).
		Str("price", price.StringFixed(2)).
		Msg("Order filled")
}

// LogTransfer logs a committed inter-account transfer.
func LogTransfer(logger zerolog.Logger, from, to string, amount decimal.Decimal) {
	logger.Info().
		Str("event", "transfer").
		Str("from", from).
		Str("to", to).
		Str("amount", amount.StringFixed(2)).
		Msg("Cash transferred")
}

// LogOrderFailure logs a failed placement.
func LogOrderFailure(logger zerolog.Logger, instrument, side string, qty int64, err error) {
	logger.Warn().
		Str("event", "order_failed").
		Str("instrument", instrument).
		Str("side", side).
		Int64("quantity", qty).
		Err(err).
		Msg("Order placement failed")
}
