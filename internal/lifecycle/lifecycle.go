// Package lifecycle tracks the process state behind admin shutdown:
// Running, then ShuttingDown once a shutdown is requested, then Terminated
// when the terminator has run.
package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ferro-labs/model-proxy/internal/metrics"
)

// State is a lifecycle state.
type State int32

const (
	Running State = iota
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminator stops the process or hands termination to whoever owns it.
type Terminator func() error

// SignalSelf sends SIGTERM to the current process, which the server's
// signal handling turns into a graceful HTTP shutdown.
func SignalSelf() error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGTERM)
}

// Controller owns the lifecycle state. The zero value is not usable; call
// New.
type Controller struct {
	state     atomic.Int32
	terminate Terminator
	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value
}

// New creates a Running controller. A nil terminator defaults to
// SignalSelf.
func New(terminate Terminator) *Controller {
	if terminate == nil {
		terminate = SignalSelf
	}
	c := &Controller{terminate: terminate, done: make(chan struct{})}
	metrics.LifecycleState.Set(float64(Running))
	return c
}

// State returns the current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Reason returns the reason given to the accepted Shutdown call.
func (c *Controller) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Done is closed once the controller reaches Terminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Shutdown moves Running to ShuttingDown and runs the terminator in the
// background. It returns without waiting. It reports false when a shutdown
// was already under way.
func (c *Controller) Shutdown(reason string) bool {
	if !c.state.CompareAndSwap(int32(Running), int32(ShuttingDown)) {
		return false
	}
	c.reason.Store(reason)
	metrics.LifecycleState.Set(float64(ShuttingDown))
	slog.Info("shutdown requested", slog.String("reason", reason))

	go func() {
		if err := c.terminate(); err != nil {
			slog.Error("terminator failed", slog.String("error", err.Error()))
		}
		c.MarkTerminated()
	}()
	return true
}

// MarkTerminated records that the process finished shutting down, for
// shutdowns that did not start with Shutdown (e.g. an operator signal).
func (c *Controller) MarkTerminated() {
	c.state.Store(int32(Terminated))
	metrics.LifecycleState.Set(float64(Terminated))
	c.closeOnce.Do(func() { close(c.done) })
}
