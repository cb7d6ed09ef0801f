// Package zero adapts a zerolog.Logger to the logger.Logger interface,
// for applications that already run zerolog.
package zero

import (
	"github.com/rs/zerolog"
)

type ZerologHandler struct {
	logger zerolog.Logger
}

func New(l zerolog.Logger) *ZerologHandler {
	return &ZerologHandler{logger: l}
}

func (handler *ZerologHandler) Error(msg string, args ...any) {
	handler.emit(handler.logger.Error(), msg, args)
}

func (handler *ZerologHandler) Warn(msg string, args ...any) {
	handler.emit(handler.logger.Warn(), msg, args)
}

func (handler *ZerologHandler) Info(msg string, args ...any) {
	handler.emit(handler.logger.Info(), msg, args)
}

func (handler *ZerologHandler) Debug(msg string, args ...any) {
	handler.emit(handler.logger.Debug(), msg, args)
}

// emit attaches alternating key/value args the way slog does. A trailing
// key without a value is logged under the "!BADKEY" field, matching slog.
func (handler *ZerologHandler) emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			ev = ev.Interface("!BADKEY", args[i])
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 != 0 {
		ev = ev.Interface("!BADKEY", args[len(args)-1])
	}
	ev.Msg(msg)
}
