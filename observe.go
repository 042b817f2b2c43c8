// Copyright 2023 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package sqltemplate

import "time"

// EventKind identifies the operation an instrumentation event relates to.
type EventKind int

const (
	PrepareEvent EventKind = iota
	QueryEvent
	ExecEvent
	BatchEvent
)

func (k EventKind) String() string {
	switch k {
	case PrepareEvent:
		return "prepare"
	case QueryEvent:
		return "query"
	case ExecEvent:
		return "exec"
	case BatchEvent:
		return "batch"
	}
	return "unknown"
}

// Event describes one database interaction to instrumentation hooks.
type Event struct {
	Kind EventKind
	// SQL is the canonical SQL text of the interaction.
	SQL string
	// Prepared is true when the interaction goes through a driver prepared
	// statement.
	Prepared bool
}

// Hooks holds optional callbacks invoked around statement preparation and
// execution. All fields may be nil. Hooks are purely observational: their
// panics are swallowed and their behaviour can never alter control flow.
type Hooks struct {
	// Before runs before the interaction starts.
	Before func(Event)
	// OnSuccess runs after a successful interaction with its elapsed time.
	OnSuccess func(Event, time.Duration)
	// OnError runs after a failed interaction with the error, which is
	// reported to the caller unchanged.
	OnError func(Event, error)
	// Lastly runs after OnSuccess or OnError, on every outcome.
	Lastly func(Event)
}

// observe wraps fn with the hook callbacks. A nil Hooks observes nothing.
func (h *Hooks) observe(ev Event, fn func() error) error {
	if h == nil {
		return fn()
	}
	h.call(func() {
		if h.Before != nil {
			h.Before(ev)
		}
	})
	start := time.Now()
	err := fn()
	h.call(func() {
		if err != nil {
			if h.OnError != nil {
				h.OnError(ev, err)
			}
		} else if h.OnSuccess != nil {
			h.OnSuccess(ev, time.Since(start))
		}
	})
	h.call(func() {
		if h.Lastly != nil {
			h.Lastly(ev)
		}
	})
	return err
}

// call shields the caller from panicking hooks.
func (h *Hooks) call(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
