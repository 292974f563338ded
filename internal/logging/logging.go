package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. format "console" gives human-readable
// output, anything else JSON lines on stdout.
func New(level, format string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

func NewWithWriter(out io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if strings.EqualFold(format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// ForComponent tags a logger with the subsystem that owns it.
func ForComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// ForJob returns a child logger carrying the job identity.
func ForJob(base zerolog.Logger, jobType, jobID, projectID string) zerolog.Logger {
	ctx := base.With().Str("job_type", jobType).Str("job_id", jobID)
	if projectID != "" {
		ctx = ctx.Str("project_id", projectID)
	}
	return ctx.Logger()
}
