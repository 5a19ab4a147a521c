package sessionmgr

import "fmt"

// Code is the stable, machine-readable error classification the tool
// surface (C8) renders into its `{success:false, code, error}` envelope
// (spec.md §7).
type Code string

const (
	CodeInvalidArgs         Code = "InvalidArgs"
	CodeUnknownSession      Code = "UnknownSession"
	CodeNoSlotsAvailable    Code = "NoSlotsAvailable"
	CodeInvalidSessionState Code = "InvalidSessionState"
	CodeGateBlocked         Code = "GateBlocked"
	CodeSpawnError          Code = "SpawnError"
	CodeNotWaiting          Code = "NotWaiting"
	CodeStoreError          Code = "StoreError"
)

// Error is a classified failure carrying a Code and structured Data for
// the tool surface to project into its error envelope, rather than a bare
// message the controller would have to pattern-match against.
type Error struct {
	Code Code
	Msg  string
	Data map[string]any
}

func (e *Error) Error() string {
	return e.Msg
}

func newError(code Code, msg string, data map[string]any) *Error {
	return &Error{Code: code, Msg: msg, Data: data}
}

func errUnknownSession(id string) *Error {
	return newError(CodeUnknownSession, fmt.Sprintf("unknown session %q", id), map[string]any{"sessionId": id})
}

func errNoSlotsAvailable(active []int) *Error {
	return newError(CodeNoSlotsAvailable, "no idle slots available", map[string]any{"activeSlots": active})
}

func errInvalidSessionState(status string) *Error {
	return newError(CodeInvalidSessionState, fmt.Sprintf("session is %q", status), map[string]any{"status": status})
}

func errGateBlocked(pending, max int) *Error {
	return newError(CodeGateBlocked, "phase verify gate blocked", map[string]any{
		"pendingVerifyPhase": pending,
		"maxExecutePhase":    max,
	})
}

func errSpawnError(reason string) *Error {
	return newError(CodeSpawnError, reason, nil)
}

func errNotWaiting(sessionID string) *Error {
	return newError(CodeNotWaiting, fmt.Sprintf("session %q has no current checkpoint", sessionID), map[string]any{"sessionId": sessionID})
}

// errStoreError wraps a store operation that exhausted its retry budget
// (spec.md §7). reason is the underlying store error's message; callers
// never get more detail than that, matching the rest of this package's
// must-not-leak-implementation-detail convention.
func errStoreError(reason string) *Error {
	return newError(CodeStoreError, reason, nil)
}
