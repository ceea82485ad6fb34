// Package logging builds the zap logger and the tally scope handed to
// every component.
package logging

import (
	"fmt"
	"io"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger. format is "console" for humans or "json" for
// collectors.
func New(level, format string) (*zap.Logger, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", level, err)
		}
	}
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Development = false
	default:
		return nil, fmt.Errorf("log format %q", format)
	}
	cfg.Level = lvl
	cfg.DisableStacktrace = true
	return cfg.Build()
}

// NewStatsScope returns a root scope that flushes through log every
// interval. Close the returned closer to stop reporting.
func NewStatsScope(log *zap.Logger, prefix string, interval time.Duration) (tally.Scope, io.Closer) {
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   prefix,
		Reporter: &zapReporter{log: log.Named("stats")},
	}, interval)
}

// zapReporter writes every reported value as one debug entry.
type zapReporter struct {
	log *zap.Logger
}

var _ tally.StatsReporter = (*zapReporter)(nil)

func (r *zapReporter) ReportCounter(name string, tags map[string]string, value int64) {
	r.log.Debug("counter", zap.String("name", name), zap.Any("tags", tags), zap.Int64("value", value))
}

func (r *zapReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.log.Debug("gauge", zap.String("name", name), zap.Any("tags", tags), zap.Float64("value", value))
}

func (r *zapReporter) ReportTimer(name string, tags map[string]string, interval time.Duration) {
	r.log.Debug("timer", zap.String("name", name), zap.Any("tags", tags), zap.Duration("value", interval))
}

func (r *zapReporter) ReportHistogramValueSamples(name string, tags map[string]string, _ tally.Buckets,
	lower, upper float64, samples int64) {
	r.log.Debug("histogram", zap.String("name", name), zap.Any("tags", tags),
		zap.Float64("lower", lower), zap.Float64("upper", upper), zap.Int64("samples", samples))
}

func (r *zapReporter) ReportHistogramDurationSamples(name string, tags map[string]string, _ tally.Buckets,
	lower, upper time.Duration, samples int64) {
	r.log.Debug("histogram", zap.String("name", name), zap.Any("tags", tags),
		zap.Duration("lower", lower), zap.Duration("upper", upper), zap.Int64("samples", samples))
}

func (r *zapReporter) Capabilities() tally.Capabilities { return r }

func (r *zapReporter) Reporting() bool { return true }

func (r *zapReporter) Tagging() bool { return true }

func (r *zapReporter) Flush() { _ = r.log.Sync() }
