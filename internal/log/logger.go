// Package log configures the process-wide zerolog logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init points the global logger at stdout. Dev gets the console writer,
// every other env JSON lines. Unknown or empty levels mean info. Each line
// carries the instance id so events from several chat nodes can be told
// apart.
func Init(env, level, instance string) {
	var out io.Writer = os.Stdout
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	setup(out, level, instance)
}

func setup(out io.Writer, level, instance string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	ctx := zerolog.New(out).With().Timestamp()
	if instance != "" {
		ctx = ctx.Str("instance", instance)
	}
	log.Logger = ctx.Logger()
}

// AccessLog writes one line per REST request. Health and metrics requests are
// skipped; server errors log at warn.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "/healthz" || route == "/metrics" {
			return
		}
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		ev := log.Debug()
		if status >= 500 {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", time.Since(start)).
			Msg("http")
	}
}
