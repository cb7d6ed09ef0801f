package logger

import (
	"log/slog"
)

// Logger is the logging interface every component of this SDK accepts.
// Implementations must be safe for concurrent use.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// SlogHandler adapts a log/slog handler to the Logger interface.
type SlogHandler struct {
	logger *slog.Logger
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

// Nop is a Logger that discards everything.
type Nop struct{}

func (Nop) Error(msg string, args ...any) {}
func (Nop) Warn(msg string, args ...any)  {}
func (Nop) Info(msg string, args ...any)  {}
func (Nop) Debug(msg string, args ...any) {}
