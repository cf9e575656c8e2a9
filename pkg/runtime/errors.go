package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/docker/agentlab/pkg/platform"
)

// Sentinels for errors.Is. Each typed error below matches exactly one.
var (
	ErrRunFailed     = errors.New("run failed")
	ErrRunTimeout    = errors.New("run timed out")
	ErrUnknownTool   = errors.New("unknown tool")
	ErrToolExecution = errors.New("tool execution failed")
)

// RunFailedError is returned when the platform reports a terminal failure.
type RunFailedError struct {
	RunID   string
	Status  platform.RunStatus
	Code    string
	Message string
}

func (e *RunFailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("run failed: %s (%s)", msg, e.Code)
	}
	return "run failed: " + msg
}

func (e *RunFailedError) Is(target error) bool { return target == ErrRunFailed }

// RunTimeoutError is returned when the run is not terminal within the turn
// timeout. The remote run is left as it was.
type RunTimeoutError struct {
	RunID      string
	Timeout    time.Duration
	LastStatus platform.RunStatus
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("run %s: timeout after %g seconds (last status %s)", e.RunID, e.Timeout.Seconds(), e.LastStatus)
}

func (e *RunTimeoutError) Is(target error) bool { return target == ErrRunTimeout }

// UnknownToolError is returned when the platform requests a tool that is not
// in the registry. No outputs are submitted for that cycle.
type UnknownToolError struct {
	RunID  string
	Name   string
	CallID string
}

func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.Name
}

func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// ToolExecutionError wraps a failure of a local tool, including arguments
// that could not be parsed. The run is left waiting for outputs.
type ToolExecutionError struct {
	RunID  string
	Name   string
	CallID string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s (call %s) failed: %v", e.Name, e.CallID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

// InterruptedRunError wraps a failure that ended a turn after its run was
// submitted, while the run may still be active on the platform.
type InterruptedRunError struct {
	RunID string
	Err   error
}

func (e *InterruptedRunError) Error() string {
	return fmt.Sprintf("run %s: %v", e.RunID, e.Err)
}

func (e *InterruptedRunError) Unwrap() error { return e.Err }

// ActiveRunID returns the run a failed turn left behind, if any. Runs that
// reached a terminal status are not reported.
func ActiveRunID(err error) (string, bool) {
	var (
		timeout     *RunTimeoutError
		interrupted *InterruptedRunError
		unknown     *UnknownToolError
		failed      *ToolExecutionError
	)
	switch {
	case errors.As(err, &timeout):
		return timeout.RunID, timeout.RunID != ""
	case errors.As(err, &interrupted):
		return interrupted.RunID, interrupted.RunID != ""
	case errors.As(err, &unknown):
		return unknown.RunID, unknown.RunID != ""
	case errors.As(err, &failed):
		return failed.RunID, failed.RunID != ""
	default:
		return "", false
	}
}

// transportErr keeps platform transport errors as they are so callers can
// match them, and adds the operation to anything else.
func transportErr(op string, err error) error {
	var te *platform.TransportError
	if errors.As(err, &te) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
