package hooking

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Fielder is implemented by hook items that can describe themselves as
// structured log fields.
type Fielder interface {
	Fields() logrus.Fields
}

// A LogHook writes every hook invocation as a structured log entry.
type LogHook struct {
	Logger logrus.FieldLogger
	Level  logrus.Level
}

// NewLogHook creates a LogHook that logs at debug level.
func NewLogHook(logger logrus.FieldLogger) *LogHook {
	return &LogHook{
		Logger: logger,
		Level:  logrus.DebugLevel,
	}
}

// Func logs the hook context.
func (h *LogHook) Func(ctx HookCtx) {
	fields := logrus.Fields{}

	if ctx.Pos != nil {
		fields["pos"] = ctx.Pos.Name
	}

	if ctx.Domain != nil {
		fields["domain"] = fmt.Sprintf("%T", ctx.Domain)
	}

	mergeFields(fields, ctx.Item)
	mergeFields(fields, ctx.Detail)

	entry := h.Logger.WithFields(fields)

	switch h.Level {
	case logrus.TraceLevel, logrus.DebugLevel:
		entry.Debug("kernel event")
	case logrus.WarnLevel:
		entry.Warn("kernel event")
	default:
		entry.Info("kernel event")
	}
}

func mergeFields(fields logrus.Fields, v interface{}) {
	switch v := v.(type) {
	case nil:
	case Fielder:
		for k, val := range v.Fields() {
			fields[k] = val
		}
	default:
		fields["detail"] = fmt.Sprintf("%+v", v)
	}
}
