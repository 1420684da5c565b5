package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/d5/tengo/v2"
)

// Kind classifies plugin failures.
type Kind string

const (
	KindSyntax           Kind = "syntax"
	KindRuntime          Kind = "runtime"
	KindTimeout          Kind = "timeout"
	KindResourceExceeded Kind = "resource_exceeded"
)

var (
	ErrNotLoaded        = errors.New("plugin not loaded")
	ErrNoHooks          = errors.New("plugin exports neither scan_request nor scan_response")
	ErrCapabilityDenied = errors.New("capability denied")
)

// PluginError is the only error type invocations return for plugin faults.
// Cancellation of the caller's context is returned unwrapped instead.
type PluginError struct {
	Kind   Kind
	Plugin string
	Hook   string
	Err    error
}

func (e *PluginError) Error() string {
	if e.Hook != "" {
		return fmt.Sprintf("plugin %s: %s in %s: %v", e.Plugin, e.Kind, e.Hook, e.Err)
	}
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Kind, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// Fatal reports whether the isolate must be torn down and rebuilt.
func (e *PluginError) Fatal() bool {
	return e.Kind == KindTimeout || e.Kind == KindResourceExceeded
}

// KindOf returns the taxonomy kind of err, or "" when err is not a PluginError.
func KindOf(err error) Kind {
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// classify maps a VM error to the taxonomy. Timeouts are only reported when
// the invocation deadline fired, not when the caller cancelled.
func classify(plugin, hook string, err error, deadlineHit bool) error {
	if err == nil {
		return nil
	}
	switch {
	case deadlineHit && errors.Is(err, context.DeadlineExceeded):
		return &PluginError{Kind: KindTimeout, Plugin: plugin, Hook: hook, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isResourceErr(err):
		return &PluginError{Kind: KindResourceExceeded, Plugin: plugin, Hook: hook, Err: err}
	default:
		return &PluginError{Kind: KindRuntime, Plugin: plugin, Hook: hook, Err: err}
	}
}

func isResourceErr(err error) bool {
	if errors.Is(err, tengo.ErrObjectAllocLimit) || errors.Is(err, tengo.ErrStackOverflow) {
		return true
	}
	// Older VM builds format the cause into the message instead of wrapping it.
	msg := err.Error()
	return strings.Contains(msg, tengo.ErrObjectAllocLimit.Error()) ||
		strings.Contains(msg, tengo.ErrStackOverflow.Error())
}
