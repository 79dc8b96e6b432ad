// OTelLog emits one OpenTelemetry log record per completed span
// Records carry the span's trace context so backends can correlate them
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/andrewh/actiontrace/pkg/actions"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// OTelLog converts spans to log records via the OTel Logs API. With a slow
// threshold set, only errored spans and spans slower than the threshold are
// emitted.
type OTelLog struct {
	logger        log.Logger
	slowThreshold time.Duration
	onlyNotable   bool
}

// NewOTelLog emits every span through a logger from lp.
func NewOTelLog(lp log.LoggerProvider) *OTelLog {
	return &OTelLog{logger: lp.Logger("actiontrace")}
}

// NewNotableOTelLog emits only errored spans and spans slower than
// slowThreshold. A slowThreshold of 0 disables slow span detection.
func NewNotableOTelLog(lp log.LoggerProvider, slowThreshold time.Duration) *OTelLog {
	return &OTelLog{
		logger:        lp.Logger("actiontrace"),
		slowThreshold: slowThreshold,
		onlyNotable:   true,
	}
}

// SinkTrace implements actions.Sink.
func (o *OTelLog) SinkTrace(rec *actions.SpanRecord) {
	isError := rec.Status == codes.Error
	isSlow := o.slowThreshold > 0 && rec.Duration() > o.slowThreshold
	if o.onlyNotable && !isError && !isSlow {
		return
	}

	var r log.Record
	r.SetTimestamp(rec.End)
	r.SetObservedTimestamp(rec.End)
	switch {
	case isError:
		r.SetSeverity(log.SeverityError)
		r.SetSeverityText("ERROR")
		r.SetBody(log.StringValue(fmt.Sprintf("error in %s: %s", rec.Name, rec.StatusMessage)))
	case isSlow:
		r.SetSeverity(log.SeverityWarn)
		r.SetSeverityText("WARN")
		r.SetBody(log.StringValue(fmt.Sprintf(
			"slow span %s: %s (threshold %s)", rec.Name, rec.Duration(), o.slowThreshold,
		)))
	default:
		sev, text := severity(rec.Level)
		r.SetSeverity(sev)
		r.SetSeverityText(text)
		r.SetBody(log.StringValue(fmt.Sprintf("span %s: %s", rec.Name, rec.Duration())))
	}

	r.AddAttributes(
		log.String("span.name", rec.Name),
		log.Float64("span.duration_ms", float64(rec.Duration())/float64(time.Millisecond)),
	)
	if rec.Target != "" {
		r.AddAttributes(log.String("span.target", rec.Target))
	}
	for _, kv := range rec.Attributes {
		r.AddAttributes(log.KeyValueFromAttribute(kv))
	}

	ctx := trace.ContextWithSpanContext(context.Background(), rec.SpanContext())
	o.logger.Emit(ctx, r)
}

func severity(l actions.Level) (log.Severity, string) {
	switch l {
	case actions.LevelTrace:
		return log.SeverityTrace, "TRACE"
	case actions.LevelDebug:
		return log.SeverityDebug, "DEBUG"
	case actions.LevelWarn:
		return log.SeverityWarn, "WARN"
	case actions.LevelError:
		return log.SeverityError, "ERROR"
	default:
		return log.SeverityInfo, "INFO"
	}
}
