package telemetry

import (
	"fmt"

	"github.com/rfkit/plutostream/internal/logging"
)

// StdoutReporter prints stream health through the structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(stats Stats) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "blocks", Value: stats.BlocksReceived},
		{Key: "buffered", Value: stats.BufferedBlocks},
		{Key: "samples", Value: stats.SamplesOut},
	}
	if stats.Overflows > 0 {
		fields = append(fields, logging.Field{Key: "overflows", Value: stats.Overflows})
	}
	if stats.PeakDBFS != 0 {
		fields = append(fields, logging.Field{Key: "peak_dbfs", Value: fmt.Sprintf("%.1f", stats.PeakDBFS)})
	}
	r.logger.Info("stream stats", fields...)
}
