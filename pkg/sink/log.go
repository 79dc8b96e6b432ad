// Log sink writing one structured zap entry per completed span
// Attributes are rendered into the record's scratch buffer to avoid per-span allocations
package sink

import (
	"strconv"

	"github.com/andrewh/actiontrace/pkg/actions"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log writes completed spans to a zap logger. Errored spans log at error
// level, everything else at the level mapped from the span's own level.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log sink. A nil logger discards everything.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// SinkTrace implements actions.Sink.
func (l *Log) SinkTrace(rec *actions.SpanRecord) {
	lvl := zapLevel(rec.Level)
	if rec.Status == codes.Error {
		lvl = zapcore.ErrorLevel
	}
	ce := l.logger.Check(lvl, "span")
	if ce == nil {
		return
	}
	rec.Scratch = AppendAttributes(rec.Scratch[:0], rec.Attributes)
	fields := []zap.Field{
		zap.String("name", rec.Name),
		zap.Duration("duration", rec.Duration()),
		zap.String("trace_id", rec.TraceID.String()),
		zap.String("span_id", rec.SpanID.String()),
		zap.String("kind", rec.Kind.String()),
		zap.String("attributes", string(rec.Scratch)),
	}
	if rec.Target != "" {
		fields = append(fields, zap.String("target", rec.Target))
	}
	if !rec.IsRoot() {
		fields = append(fields, zap.String("parent_span_id", rec.ParentSpanID.String()))
	}
	if len(rec.Events) > 0 {
		fields = append(fields, zap.Int("events", len(rec.Events)))
	}
	if rec.Status == codes.Error {
		fields = append(fields, zap.String("error", rec.StatusMessage))
	}
	ce.Write(fields...)
}

func zapLevel(l actions.Level) zapcore.Level {
	switch l {
	case actions.LevelTrace, actions.LevelDebug:
		return zapcore.DebugLevel
	case actions.LevelWarn:
		return zapcore.WarnLevel
	case actions.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// AppendAttributes renders attributes as space-separated key=value pairs.
func AppendAttributes(dst []byte, attrs []attribute.KeyValue) []byte {
	for i, kv := range attrs {
		if i > 0 {
			dst = append(dst, ' ')
		}
		dst = append(dst, kv.Key...)
		dst = append(dst, '=')
		switch kv.Value.Type() {
		case attribute.STRING:
			dst = strconv.AppendQuote(dst, kv.Value.AsString())
		case attribute.BOOL:
			dst = strconv.AppendBool(dst, kv.Value.AsBool())
		case attribute.INT64:
			dst = strconv.AppendInt(dst, kv.Value.AsInt64(), 10)
		case attribute.FLOAT64:
			dst = strconv.AppendFloat(dst, kv.Value.AsFloat64(), 'g', -1, 64)
		default:
			dst = append(dst, kv.Value.Emit()...)
		}
	}
	return dst
}
