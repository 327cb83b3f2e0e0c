// Package report provides the fire-and-forget error-reporting collaborator.
package report

import "go.uber.org/zap"

// Reporter receives errors that must not interrupt the flow that produced
// them, such as a single malformed record inside a pull batch. Report never
// fails and never panics.
type Reporter interface {
	Report(err error, context map[string]string)
}

type zapReporter struct {
	logger *zap.Logger
}

// NewZapReporter constructs a Reporter that writes to the supplied logger.
func NewZapReporter(logger *zap.Logger) Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapReporter{logger: logger}
}

func (r *zapReporter) Report(err error, context map[string]string) {
	fields := make([]zap.Field, 0, len(context)+1)
	fields = append(fields, zap.Error(err))
	for key, value := range context {
		fields = append(fields, zap.String(key, value))
	}
	r.logger.Error("reported error", fields...)
}

type nopReporter struct{}

// NewNopReporter constructs a Reporter that discards everything.
func NewNopReporter() Reporter {
	return &nopReporter{}
}

func (nopReporter) Report(error, map[string]string) {}
