// Package tag provides typed field constructors for the agent's logging,
// so call sites read as `logger.Info("admitted", tag.Endpoint(name), tag.Rate(limit))`
// instead of ad hoc zap.String/zap.Int calls scattered across the codebase.
package tag

import (
	"time"

	"go.uber.org/zap"
)

// Endpoint identifies the composite endpoint key a log line concerns.
func Endpoint(name string) zap.Field { return zap.String("endpoint", name) }

// Flag identifies the caller-supplied grouping label.
func Flag(flag string) zap.Field { return zap.String("flag", flag) }

// Rate reports a working or target rate value.
func Rate(limit int) zap.Field { return zap.Int("rate", limit) }

// StatusCode reports an HTTP status code observed for a request.
func StatusCode(code int) zap.Field { return zap.Int("status_code", code) }

// ErrorCode reports a transport error code string (e.g. "ETIMEDOUT").
func ErrorCode(code string) zap.Field { return zap.String("error_code", code) }

// Direction reports the feedback engine's classification of an outcome.
func Direction(d int) zap.Field { return zap.Int("direction", d) }

// Pending reports a pending-queue depth.
func Pending(n int) zap.Field { return zap.Int("pending", n) }

// Count reports a generic item count (e.g. endpoints swept by cleanup).
func Count(n int) zap.Field { return zap.Int("count", n) }

// BufferBytes reports an average socket write-buffer occupancy.
func BufferBytes(n float64) zap.Field { return zap.Float64("buffer_bytes", n) }

// Elapsed reports a request's observed duration.
func Elapsed(d time.Duration) zap.Field { return zap.Duration("elapsed", d) }

// LifeCycleStarted marks a component's startup log line.
var LifeCycleStarted = zap.String("lifecycle", "started")

// LifeCycleStopped marks a component's shutdown log line.
var LifeCycleStopped = zap.String("lifecycle", "stopped")
