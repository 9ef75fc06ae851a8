// Package engine is the approval state machine and comment thread.
//
// Every mutating operation on a request runs under that request's lock and is
// written back with an expected version, so two transitions can never both
// commit against the same aggregate state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msageha/signoff/internal/attachment"
	"github.com/msageha/signoff/internal/events"
	"github.com/msageha/signoff/internal/identity"
	"github.com/msageha/signoff/internal/lock"
	"github.com/msageha/signoff/internal/model"
	"github.com/msageha/signoff/internal/store"
)

// IdentityResolver is the read-only identity oracle.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID string) (identity.Identity, error)
}

type Options struct {
	Identities  IdentityResolver
	Attachments attachment.Resolver
	Bus         *events.Bus
	Audit       *events.AuditLog
	Logger      *slog.Logger
	Policy      model.PolicyConfig
	Limits      model.LimitsConfig
	// RequireKnownApprovers rejects approvers the identity resolver does not know.
	RequireKnownApprovers bool
	Now                   func() time.Time
}

type Engine struct {
	store        store.Store
	locks        *lock.Keyed
	identities   IdentityResolver
	attachments  attachment.Resolver
	bus          *events.Bus
	audit        *events.AuditLog
	logger       *slog.Logger
	policy       model.PolicyConfig
	limits       model.LimitsConfig
	requireKnown bool
	now          func() time.Time
}

func New(st store.Store, opts Options) *Engine {
	e := &Engine{
		store:        st,
		locks:        lock.NewKeyed(),
		identities:   opts.Identities,
		attachments:  opts.Attachments,
		bus:          opts.Bus,
		audit:        opts.Audit,
		logger:       opts.Logger,
		policy:       opts.Policy,
		limits:       opts.Limits,
		requireKnown: opts.RequireKnownApprovers,
		now:          opts.Now,
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.identities == nil {
		e.identities = identity.Static{}
	}
	return e
}

func (e *Engine) timestamp() time.Time {
	return e.now().UTC()
}

func requestLockKey(id string) string { return "request:" + id }

// load fetches a request and maps store errors onto engine kinds.
func (e *Engine) load(ctx context.Context, op, id string) (*model.ApprovalRequest, error) {
	if id == "" {
		return nil, newError(KindValidation, op, id, "request id is required")
	}
	if p, err := model.ParseID(id); err != nil || p.Kind != model.KindRequest {
		return nil, &Error{Kind: KindNotFound, Op: op, RequestID: id, Msg: "request " + id + " not found", Err: store.ErrNotFound}
	}
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, e.storeError(op, id, err)
	}
	return req, nil
}

func (e *Engine) storeError(op, id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, RequestID: id, Msg: "request " + id + " not found", Err: err}
	case errors.Is(err, store.ErrConflict):
		return &Error{Kind: KindConflict, Op: op, RequestID: id, Msg: "request " + id + " was modified concurrently; refetch and retry", Err: err}
	default:
		return err
	}
}

// mutation is the outcome of applying one transition to a request copy.
type mutation struct {
	stepIdx int // -1 when no step changed
	comment string
}

// mutate runs apply against a copy of the request under its lock and persists
// the result with an optimistic version check.
func (e *Engine) mutate(ctx context.Context, op, id, actor string, apply func(req *model.ApprovalRequest, now time.Time) (mutation, error)) (*model.ApprovalRequest, error) {
	release, err := e.locks.Acquire(ctx, requestLockKey(id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer release()

	cur, err := e.load(ctx, op, id)
	if err != nil {
		return nil, e.refuse(op, id, actor, err)
	}

	now := e.timestamp()
	next := cur.Clone()
	m, err := apply(next, now)
	if err != nil {
		return nil, e.refuse(op, id, actor, err)
	}
	if err := model.ValidateRequestTransition(cur.Status, next.Status); err != nil {
		return nil, e.refuse(op, id, actor, &Error{Kind: KindPrecondition, Op: op, RequestID: id, Msg: err.Error(), Err: err})
	}

	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if err := e.store.Update(ctx, next, cur.Version); err != nil {
		err = e.storeError(op, id, err)
		e.logger.Warn("transition not persisted", "op", op, "request_id", id, "actor", actor, "kind", KindOf(err), "error", err)
		return nil, err
	}

	e.logger.Info("transition applied", "op", op, "request_id", id, "actor", actor, "status", next.Status, "version", next.Version)
	e.emitTransition(cur, next, actor, m)
	return next.Clone(), nil
}

// refuse logs a transition that was turned away and hands err back.
func (e *Engine) refuse(op, id, actor string, err error) error {
	e.logger.Warn("transition refused", "op", op, "request_id", id, "actor", actor, "kind", KindOf(err), "error", err)
	return err
}

// emitTransition publishes and audits what changed between cur and next.
func (e *Engine) emitTransition(cur, next *model.ApprovalRequest, actor string, m mutation) {
	if m.stepIdx >= 0 {
		step := next.Steps[m.stepIdx]
		var recipients []string
		if !next.IsTerminal() {
			recipients = actionableApprovers(next)
		}
		e.emit(events.Event{
			Type:       events.EventStepDecided,
			RequestID:  next.ID,
			Actor:      actor,
			Status:     string(next.Status),
			StepNumber: step.StepNumber,
			StepStatus: string(step.Status),
			Recipients: recipients,
		}, "", "", m.comment, next.Version)
	}
	if cur.Status != next.Status {
		e.emit(events.Event{
			Type:       events.EventRequestStatusChanged,
			RequestID:  next.ID,
			Actor:      actor,
			Status:     string(next.Status),
			StepNumber: -1,
			Recipients: []string{next.RequesterID},
		}, cur.Status, next.Status, m.comment, next.Version)
	}
}

func (e *Engine) emit(ev events.Event, from, to model.RequestStatus, comment string, version int64) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.timestamp()
	}
	e.bus.Publish(ev)

	entry := events.AuditEntry{
		Timestamp:  ev.Timestamp,
		EventType:  string(ev.Type),
		RequestID:  ev.RequestID,
		Actor:      ev.Actor,
		FromStatus: string(from),
		ToStatus:   string(to),
		StepStatus: ev.StepStatus,
		Comment:    comment,
		Version:    version,
	}
	if ev.StepNumber >= 0 {
		n := ev.StepNumber
		entry.StepNumber = &n
	}
	if err := e.audit.Append(entry); err != nil {
		e.logger.Error("audit write failed", "request_id", ev.RequestID, "event", ev.Type, "error", err)
	}
}
