package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/sessionmgr"
	"github.com/sandoak/gsd-orchestration-harness-sub002/internal/store"
)

// sessionEnvelope shapes one session row for the wire, keeping status and
// exitCode as plain JSON-friendly types.
type sessionEnvelope struct {
	SessionID  string            `json:"sessionId"`
	Slot       int               `json:"slot"`
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	CWD        string            `json:"cwd"`
	Status     string            `json:"status"`
	ExitCode   *int              `json:"exitCode"`
	Phase      *int              `json:"phase,omitempty"`
	Plan       *int              `json:"plan,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastPollAt time.Time         `json:"lastPollAt"`
}

func toSessionEnvelope(sess *store.Session) sessionEnvelope {
	return sessionEnvelope{
		SessionID:  sess.ID,
		Slot:       sess.Slot,
		Command:    sess.Command,
		Args:       sess.Args,
		CWD:        sess.CWD,
		Status:     sess.Status,
		ExitCode:   sess.ExitCode,
		Phase:      sess.Phase,
		Plan:       sess.Plan,
		CreatedAt:  sess.CreatedAt,
		LastPollAt: sess.LastPollAt,
	}
}

// asEnvelope maps a sessionmgr.Error to the envelope's code/message/data
// fields; any other error becomes the fatal-looking but non-leaking
// Internal code (spec.md §7: "must never leak implementation detail").
func asEnvelope(err error) Envelope {
	var svcErr *sessionmgr.Error
	if errors.As(err, &svcErr) {
		var data any
		if len(svcErr.Data) > 0 {
			data = svcErr.Data
		}
		return fail(string(svcErr.Code), svcErr.Msg, data)
	}
	return fail(CodeInternal, "internal error", nil)
}

// --- start_session ---

type startSessionParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	CWD     string            `json:"cwd"`
	Env     map[string]string `json:"env"`
	SpecID  string            `json:"specId"`
	Phase   *int              `json:"phase"`
	Plan    *int              `json:"plan"`
	Cols    int               `json:"cols"`
	Rows    int               `json:"rows"`
}

func handleStartSession(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p startSessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.Command == "" {
		return fail(CodeInvalidArgs, "command is required", nil)
	}
	if p.CWD == "" {
		return fail(CodeInvalidArgs, "cwd is required", nil)
	}

	sess, err := s.mgr.StartSession(sessionmgr.StartRequest{
		Command: p.Command,
		Args:    p.Args,
		CWD:     p.CWD,
		Env:     p.Env,
		SpecID:  p.SpecID,
		Phase:   p.Phase,
		Plan:    p.Plan,
		Cols:    p.Cols,
		Rows:    p.Rows,
	})
	if err != nil {
		return asEnvelope(err)
	}

	if p.Phase != nil && p.SpecID != "" && s.gates != nil {
		if err := s.gates.RecordExecute(p.SpecID, *p.Phase); err != nil {
			return asEnvelope(fmt.Errorf("record execute: %w", err))
		}
	}

	return ok(toSessionEnvelope(sess))
}

// --- list_sessions ---

type listSessionsParams struct {
	Status string `json:"status"`
	Slot   int    `json:"slot"`
}

func handleListSessions(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p listSessionsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
		}
	}
	sessions, err := s.mgr.ListSessions(store.SessionFilter{Status: p.Status, Slot: p.Slot})
	if err != nil {
		return asEnvelope(err)
	}
	out := make([]sessionEnvelope, len(sessions))
	for i, sess := range sessions {
		out[i] = toSessionEnvelope(sess)
	}
	return ok(out)
}

// --- end_session ---

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func handleEndSession(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" {
		return fail(CodeInvalidArgs, "sessionId is required", nil)
	}
	if err := s.mgr.EndSession(p.SessionID); err != nil {
		return asEnvelope(err)
	}
	return ok(map[string]bool{"ended": true})
}

// --- get_output ---

type getOutputParams struct {
	SessionID string `json:"sessionId"`
	SinceSeq  *int64 `json:"sinceSeq"`
	Tail      *int   `json:"tail"`
	Lines     *int   `json:"lines"`
}

func handleGetOutput(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p getOutputParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" {
		return fail(CodeInvalidArgs, "sessionId is required", nil)
	}
	lines, err := s.mgr.GetOutput(p.SessionID, sessionmgr.OutputQuery{SinceSeq: p.SinceSeq, Tail: p.Tail, Lines: p.Lines})
	if err != nil {
		return asEnvelope(err)
	}
	return ok(lines)
}

// --- get_state ---

func handleGetState(_ context.Context, s *Server, _ json.RawMessage) Envelope {
	if st, cached := s.specCache.get(); cached {
		return ok(st)
	}
	st, err := s.readSpecState()
	if err != nil {
		return fail(CodeNoSpec, "spec directory unreadable: "+err.Error(), nil)
	}
	return ok(st)
}

// --- get_checkpoint ---

func handleGetCheckpoint(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" {
		return fail(CodeInvalidArgs, "sessionId is required", nil)
	}
	rec, err := s.mgr.GetCheckpoint(p.SessionID)
	if err != nil {
		return asEnvelope(err)
	}
	return ok(rec)
}

// --- respond_checkpoint ---

type respondCheckpointParams struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

func handleRespondCheckpoint(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p respondCheckpointParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" {
		return fail(CodeInvalidArgs, "sessionId is required", nil)
	}
	if err := s.mgr.RespondCheckpoint(p.SessionID, p.Response); err != nil {
		return asEnvelope(err)
	}
	return ok(map[string]bool{"responded": true})
}

// --- worker_report / worker_await ---

type workerReportParams struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Payload   string `json:"payload"`
}

func handleWorkerReport(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p workerReportParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" || p.Type == "" {
		return fail(CodeInvalidArgs, "sessionId and type are required", nil)
	}
	m, err := s.bus.Report(p.SessionID, p.Type, p.Payload)
	if err != nil {
		return fail(CodeInternal, "report failed", nil)
	}

	s.maybeRecordVerify(p.SessionID, p.Type, p.Payload)

	return ok(m)
}

type workerAwaitParams struct {
	SessionID    string `json:"sessionId"`
	InResponseTo string `json:"inResponseTo"`
	TimeoutMs    int    `json:"timeoutMs"`
}

func handleWorkerAwait(ctx context.Context, s *Server, raw json.RawMessage) Envelope {
	var p workerAwaitParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" || p.InResponseTo == "" {
		return fail(CodeInvalidArgs, "sessionId and inResponseTo are required", nil)
	}
	deadline := time.Duration(p.TimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	waitCtx, cancel := withTimeout(ctx, 0)
	defer cancel()

	m, err := s.bus.Await(waitCtx, p.SessionID, p.InResponseTo, deadline)
	if err != nil {
		return fail(CodeTimeout, "await canceled: "+err.Error(), nil)
	}
	if m == nil {
		return ok(map[string]any{"timedOut": true})
	}
	if err := s.bus.AckForWorker(m.ID); err != nil {
		return fail(CodeInternal, "ack failed", nil)
	}
	return ok(m)
}

// --- respond / get_pending ---

type respondParams struct {
	SessionID    string `json:"sessionId"`
	InResponseTo string `json:"inResponseTo"`
	Type         string `json:"type"`
	Payload      string `json:"payload"`
}

func handleRespond(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p respondParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" || p.InResponseTo == "" || p.Type == "" {
		return fail(CodeInvalidArgs, "sessionId, inResponseTo, and type are required", nil)
	}
	m, err := s.bus.Respond(p.SessionID, p.InResponseTo, p.Type, p.Payload)
	if err != nil {
		return fail(CodeInternal, "respond failed", nil)
	}
	return ok(m)
}

func handleGetPending(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.SessionID == "" {
		return fail(CodeInvalidArgs, "sessionId is required", nil)
	}
	msgs, err := s.bus.Pending(p.SessionID)
	if err != nil {
		return fail(CodeInternal, "get pending failed", nil)
	}
	for _, m := range msgs {
		if err := s.bus.Ack(m.ID); err != nil {
			return fail(CodeInternal, "ack failed", nil)
		}
	}
	return ok(msgs)
}

// --- wait_for_state_change ---

type waitForStateChangeParams struct {
	SessionID *string `json:"sessionId"`
	TimeoutMs int     `json:"timeoutMs"`
}

// handleWaitForStateChange blocks on the session manager's Hub until any
// matching session emits a statusChange event or timeoutMs elapses, per
// spec.md §4.8 and §11's C9-sharing decision: a timeout is success with an
// empty delta, never an error.
func handleWaitForStateChange(ctx context.Context, s *Server, raw json.RawMessage) Envelope {
	var p waitForStateChangeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
		}
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var ch <-chan sessionmgr.Event
	var cancel func()
	if p.SessionID != nil && *p.SessionID != "" {
		_, c, cncl, err := s.mgr.Subscribe(*p.SessionID, nil)
		if err != nil {
			return asEnvelope(err)
		}
		ch, cancel = c, cncl
	} else {
		c, cncl := s.mgr.SubscribeAll()
		ch, cancel = c, cncl
	}
	defer cancel()

	waitCtx, wcancel := context.WithTimeout(ctx, timeout)
	defer wcancel()

	for {
		select {
		case ev, okCh := <-ch:
			if !okCh {
				return ok(map[string]any{"timedOut": true})
			}
			if ev.Kind != sessionmgr.EventStatusChange {
				continue
			}
			return ok(map[string]any{
				"sessionId":  ev.SessionID,
				"status":     ev.Status,
				"prevStatus": ev.PrevStatus,
				"timedOut":   false,
			})
		case <-waitCtx.Done():
			return ok(map[string]any{"timedOut": true})
		}
	}
}

// --- sync_project_state ---

func handleSyncProjectState(_ context.Context, s *Server, _ json.RawMessage) Envelope {
	st, err := s.readSpecState()
	if err != nil {
		return fail(CodeNoSpec, "spec directory unreadable: "+err.Error(), nil)
	}
	s.specCache.set(st)
	return ok(st)
}

// --- get_credentials [SUPPLEMENT] ---

type getCredentialsParams struct {
	Service string   `json:"service"`
	Context string   `json:"context"`
	Keys    []string `json:"keys"`
}

func handleGetCredentials(_ context.Context, s *Server, raw json.RawMessage) Envelope {
	var p getCredentialsParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return fail(CodeInvalidArgs, "malformed params: "+err.Error(), nil)
	}
	if p.Service == "" || len(p.Keys) == 0 {
		return fail(CodeInvalidArgs, "service and keys are required", nil)
	}
	values, err := s.lookupCredential(p.Service, p.Context, p.Keys)
	if err != nil {
		return fail(CodeInternal, "credential lookup failed", nil)
	}
	return ok(values)
}

// maybeRecordVerify records a verify outcome against the phase gate when a
// worker reports task_completed for a verify-type session (one with Phase
// set and Plan unset, our convention for distinguishing verify runs from
// execute runs — see DESIGN.md). pass defaults to true unless the payload
// carries an explicit {"pass":false}.
func (s *Server) maybeRecordVerify(sessionID, msgType, payload string) {
	if msgType != "task_completed" || s.gates == nil {
		return
	}
	sess, err := s.mgr.GetSession(sessionID)
	if err != nil || sess == nil || sess.Phase == nil || sess.Plan != nil {
		return
	}

	var body struct {
		Pass   *bool  `json:"pass"`
		SpecID string `json:"specId"`
	}
	_ = json.Unmarshal([]byte(payload), &body)
	pass := true
	if body.Pass != nil {
		pass = *body.Pass
	}

	specID := body.SpecID
	if specID == "" {
		return
	}
	_ = s.gates.RecordVerify(specID, *sess.Phase, pass)
}
