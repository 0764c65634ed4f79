package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"threatwatch/metrics"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// PanicError carries a recovered panic value and the stack it came from
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", p.Name, p.Value)
}

// Recover recovers from panics in goroutines and logs them
// If logger is nil, falls back to stderr to ensure panic is recorded
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		report(name, r, stack(), logger)
	}
}

// RecoverTo recovers a panic into *errp as a *PanicError so the caller
// can treat it like any other failure. It must be deferred directly.
func RecoverTo(name string, logger *zap.SugaredLogger, errp *error) {
	if r := recover(); r != nil {
		st := stack()
		report(name, r, st, logger)
		if errp != nil {
			*errp = &PanicError{Name: name, Value: r, Stack: st}
		}
	}
}

func stack() string {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func report(name string, r interface{}, st string, logger *zap.SugaredLogger) {
	metrics.PanicsRecovered.WithLabelValues(name).Inc()
	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", st)
		return
	}
	// Fallback to stderr when logger is nil
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, st)
}
