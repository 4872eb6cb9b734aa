package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/backoffice/internal/observability"
	"github.com/pitabwire/backoffice/internal/session"
	"github.com/pitabwire/backoffice/internal/wizard"
	"github.com/pitabwire/backoffice/model"
)

// DefaultIdleTTL is how long a session stays active without activity.
const DefaultIdleTTL = 2 * time.Hour

// Submission outcomes recorded in metrics.
const (
	outcomeCompleted = "completed"
	outcomeDeclined  = "declined"
	outcomePristine  = "pristine"
	outcomeInvalid   = "invalid"
	outcomeFailed    = "failed"
)

// actorSystem is recorded on events not caused by a staff member.
const actorSystem = "system"

// Submission is one submit of the current step. When Field is set only that
// field is taken from the submission (as Value); otherwise Values is merged
// into the step's stored values.
type Submission struct {
	Values     map[string]any
	Field      string
	Value      any
	NotifyUser bool
}

func (s Submission) raw() map[string]any {
	if s.Field != "" {
		return map[string]any{s.Field: s.Value}
	}
	return s.Values
}

// Engine manages the lifecycle of onboarding sessions.
type Engine struct {
	store   session.Store
	guard   session.Guard
	api     Lending
	runner  *Runner
	steps   map[wizard.StepID]Step
	caps    model.CapabilityResolver
	metrics *observability.Metrics
	logger  *zap.Logger
	idleTTL time.Duration
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSteps replaces the step implementations.
func WithSteps(steps map[wizard.StepID]Step) Option {
	return func(e *Engine) { e.steps = steps }
}

// WithMetrics records onboarding metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIdleTTL sets how long a session stays active without activity.
func WithIdleTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTTL = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new onboarding engine.
func NewEngine(
	store session.Store,
	guard session.Guard,
	api Lending,
	caps model.CapabilityResolver,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:   store,
		guard:   guard,
		api:     api,
		steps:   DefaultSteps(),
		caps:    caps,
		logger:  zap.NewNop(),
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.runner = NewRunner(api, e.logger)
	return e
}

// Start creates a new session for a customer, seeded from the records on
// file. Every call creates a fresh session; finished sessions are never
// resumed.
func (e *Engine) Start(ctx context.Context, rctx *model.RequestContext, customerID string) (SessionView, error) {
	if err := e.authorize(rctx, model.CapStepSubmit); err != nil {
		return SessionView{}, err
	}

	ctx, span := observability.StartSpan(ctx, "onboarding.start",
		observability.AttrCustomerID.String(customerID),
	)
	defer span.End()

	cust, err := e.api.GetUser(ctx, rctx, customerID)
	if err != nil {
		return SessionView{}, err
	}
	state, err := Seed(cust)
	if err != nil {
		return SessionView{}, err
	}

	now := e.now().UTC()
	sess := session.Session{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		TenantID:   rctx.TenantID,
		StaffID:    rctx.SubjectID,
		State:      state,
		Status:     model.SessionStatusActive,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(e.idleTTL),
	}
	if err := e.store.Create(ctx, sess); err != nil {
		return SessionView{}, err
	}
	e.appendEvent(ctx, sess.ID, "", model.EventSessionStarted, rctx.SubjectID,
		map[string]any{"customer_id": customerID})
	e.metrics.RecordSessionStart()

	observability.LoggerFrom(ctx, e.logger).Info("onboarding: session started",
		zap.String("session_id", sess.ID),
		zap.String("customer_id", customerID),
	)
	return NewSessionView(sess), nil
}

// Get returns the session view.
func (e *Engine) Get(ctx context.Context, rctx *model.RequestContext, sessionID string) (SessionView, error) {
	if err := e.authorize(rctx, model.CapSessionView); err != nil {
		return SessionView{}, err
	}
	sess, err := e.store.Get(ctx, rctx.TenantID, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return NewSessionView(sess), nil
}

// Submit validates, plans, and performs a submission of the current step,
// then applies its outcome in one transition. On any failure the session is
// left untouched.
func (e *Engine) Submit(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
	stepID wizard.StepID,
	sub Submission,
) (view SessionView, err error) {
	if err := e.authorize(rctx, model.CapStepSubmit); err != nil {
		return SessionView{}, err
	}

	release, err := e.guard.Acquire(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "onboarding.submit",
		observability.AttrSessionID.String(sessionID),
		observability.AttrStep.String(stepID.String()),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	start := e.now()
	sess, err := e.loadActive(ctx, rctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	current := sess.State.Navigation.Component()
	if stepID != current || current.IsSummary() {
		return SessionView{}, model.NewInvalidTransitionError(
			fmt.Sprintf("step %s cannot be submitted while %s is current", stepID, current),
		)
	}
	step, ok := e.steps[stepID]
	if !ok {
		return SessionView{}, fmt.Errorf("onboarding: no implementation for step %s", stepID)
	}

	def := step.Definition()
	input, ferrs := wizard.Normalize(def, sub.raw())
	if len(ferrs) > 0 {
		return SessionView{}, e.invalid(stepID, start, ferrs)
	}

	stored, _ := sess.State.Steps.Step(stepID)
	merged, err := sess.State.Steps.SetValues(stepID, input)
	if err != nil {
		return SessionView{}, fmt.Errorf("onboarding: merge values: %w", err)
	}
	candidate, _ := merged.Step(stepID)
	logger := observability.LoggerFrom(ctx, e.logger).With(
		zap.String("session_id", sess.ID),
		zap.String("step", stepID.String()),
	)

	// Resubmitting an already attempted step unchanged repeats no calls; the
	// step is marked completed and the wizard moves to the next step.
	if stored.Attempted() && wizard.Equal(candidate.Values, stored.Values) {
		completed := true
		next, err := wizard.Reduce(sess.State, wizard.ApplyOutcome{Step: stepID, Completed: &completed})
		if err != nil {
			return SessionView{}, err
		}
		sess, err = e.save(ctx, sess, next)
		if err != nil {
			return SessionView{}, err
		}
		e.appendEvent(ctx, sess.ID, stepID.String(), model.EventStepAcknowledged, rctx.SubjectID, nil)
		e.metrics.RecordStepSubmission(stepID.String(), outcomePristine, e.now().Sub(start))
		logger.Debug("onboarding: unchanged step acknowledged")
		return NewSessionView(sess), nil
	}

	if ferrs := step.Validate(candidate.Values); len(ferrs) > 0 {
		return SessionView{}, e.invalid(stepID, start, ferrs)
	}

	cust, err := e.api.GetUser(ctx, rctx, sess.CustomerID)
	if err != nil {
		e.submissionFailed(ctx, rctx, sess, stepID, start, err)
		return SessionView{}, err
	}

	outcome, effects, err := step.Plan(SubmitRequest{
		CustomerID: sess.CustomerID,
		Customer:   cust,
		Values:     candidate.Values,
		Previous:   stored,
		NotifyUser: sub.NotifyUser,
	})
	if err != nil {
		return SessionView{}, fmt.Errorf("onboarding: plan %s: %w", stepID, err)
	}

	e.appendEvent(ctx, sess.ID, stepID.String(), model.EventStepSubmitted, rctx.SubjectID, map[string]any{
		"values":      observability.RedactValues(candidate.Values),
		"notify_user": sub.NotifyUser,
	})
	if err := e.runner.Run(ctx, rctx, stepID, effects, &outcome.Meta); err != nil {
		e.submissionFailed(ctx, rctx, sess, stepID, start, err)
		return SessionView{}, err
	}

	completed := outcome.Completed
	next, err := wizard.Reduce(sess.State, wizard.ApplyOutcome{
		Step:        stepID,
		Values:      input,
		Completed:   &completed,
		Meta:        outcome.Meta,
		GoToSummary: !completed,
	})
	if err != nil {
		return SessionView{}, fmt.Errorf("onboarding: apply outcome: %w", err)
	}

	// If the session changed while the effects ran, the store rejects this
	// update and the outcome is discarded.
	sess, err = e.save(ctx, sess, next)
	if err != nil {
		logger.Warn("onboarding: outcome discarded", zap.Error(err))
		return SessionView{}, err
	}

	label := outcomeCompleted
	if !completed {
		label = outcomeDeclined
	}
	e.appendEvent(ctx, sess.ID, stepID.String(), model.EventStepAcknowledged, actorSystem, map[string]any{
		"completed": completed,
	})
	e.metrics.RecordStepSubmission(stepID.String(), label, e.now().Sub(start))
	logger.Info("onboarding: step submitted",
		zap.Bool("completed", completed),
		zap.Bool("notify_user", sub.NotifyUser),
	)
	return NewSessionView(sess), nil
}

// Retreat moves the session back to the previous step. A retreat with no
// usable previous pointer leaves the session unchanged.
func (e *Engine) Retreat(ctx context.Context, rctx *model.RequestContext, sessionID string) (SessionView, error) {
	if err := e.authorize(rctx, model.CapStepSubmit); err != nil {
		return SessionView{}, err
	}

	release, err := e.guard.Acquire(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	defer release()

	sess, err := e.loadActive(ctx, rctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}

	from := sess.State.Navigation.Component()
	next, err := wizard.Reduce(sess.State, wizard.Retreat{})
	if err != nil {
		return SessionView{}, err
	}
	if next.Navigation == sess.State.Navigation {
		return NewSessionView(sess), nil
	}

	sess, err = e.save(ctx, sess, next)
	if err != nil {
		return SessionView{}, err
	}
	e.appendEvent(ctx, sess.ID, from.String(), model.EventStepRetreated, rctx.SubjectID, map[string]any{
		"to": next.Navigation.Component().String(),
	})
	e.metrics.RecordStepRetreat()
	return NewSessionView(sess), nil
}

// Summary returns the aggregated summary of a session.
func (e *Engine) Summary(ctx context.Context, rctx *model.RequestContext, sessionID string) (wizard.Summary, error) {
	if err := e.authorize(rctx, model.CapSessionView); err != nil {
		return wizard.Summary{}, err
	}
	sess, err := e.store.Get(ctx, rctx.TenantID, sessionID)
	if err != nil {
		return wizard.Summary{}, err
	}
	return wizard.BuildSummary(sess.State.Steps), nil
}

// Complete approves or rejects the customer from the Summary step. Approval
// requires every step to be completed. The session is finished afterwards.
func (e *Engine) Complete(
	ctx context.Context,
	rctx *model.RequestContext,
	sessionID string,
	approved bool,
) (view SessionView, err error) {
	capability, event, decision := model.CapCustomerReject, model.EventCustomerRejected, "rejected"
	if approved {
		capability, event, decision = model.CapCustomerApprove, model.EventCustomerApproved, "approved"
	}
	if err := e.authorize(rctx, capability); err != nil {
		return SessionView{}, err
	}

	release, err := e.guard.Acquire(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	defer release()

	ctx, span := observability.StartSpan(ctx, "onboarding.complete",
		observability.AttrSessionID.String(sessionID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	sess, err := e.loadActive(ctx, rctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if !sess.State.Navigation.Component().IsSummary() {
		return SessionView{}, model.NewInvalidTransitionError("the customer can only be approved or rejected from the summary")
	}
	if approved && !wizard.AllCompleted(sess.State.Steps) {
		return SessionView{}, model.NewInvalidTransitionError("the customer cannot be approved until every step is completed")
	}

	if err := e.api.AdvanceOnboarding(ctx, rctx, sess.CustomerID, model.OnboardingAdvance{
		Step:     model.OnboardingStepComplete,
		Approved: &approved,
	}); err != nil {
		return SessionView{}, err
	}

	sess, err = e.finish(ctx, sess, model.SessionStatusCompleted)
	if err != nil {
		return SessionView{}, err
	}
	e.appendEvent(ctx, sess.ID, wizard.StepSummary.String(), event, rctx.SubjectID, nil)
	e.metrics.RecordCustomerDecision(decision)

	observability.LoggerFrom(ctx, e.logger).Info("onboarding: customer "+decision,
		zap.String("session_id", sess.ID),
		zap.String("customer_id", sess.CustomerID),
	)
	return NewSessionView(sess), nil
}

// Discard ends a session without completing it.
func (e *Engine) Discard(ctx context.Context, rctx *model.RequestContext, sessionID string) error {
	if err := e.authorize(rctx, model.CapStepSubmit); err != nil {
		return err
	}
	sess, err := e.loadActive(ctx, rctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := e.finish(ctx, sess, model.SessionStatusDiscarded); err != nil {
		return err
	}
	e.appendEvent(ctx, sess.ID, "", model.EventSessionDiscarded, rctx.SubjectID, nil)
	return nil
}

// History returns the session's audit trail.
func (e *Engine) History(ctx context.Context, rctx *model.RequestContext, sessionID string) ([]model.SessionEvent, error) {
	if err := e.authorize(rctx, model.CapSessionView); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, rctx.TenantID, sessionID)
}

// ExpireIdle marks active sessions past their idle deadline as expired and
// returns how many were expired. Failures are logged and skipped.
func (e *Engine) ExpireIdle(ctx context.Context) (int, error) {
	expired, err := e.store.FindExpired(ctx, e.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("find expired sessions: %w", err)
	}

	n := 0
	for _, sess := range expired {
		if _, err := e.finish(ctx, sess, model.SessionStatusExpired); err != nil {
			e.logger.Warn("onboarding: expire session failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
			continue
		}
		e.appendEvent(ctx, sess.ID, "", model.EventSessionExpired, actorSystem, nil)
		n++
	}
	return n, nil
}

// RunSweeper calls ExpireIdle every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireIdle(ctx)
			if err != nil {
				e.logger.Error("onboarding: sweeping idle sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				e.logger.Info("onboarding: expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

// --- helpers ---

func (e *Engine) authorize(rctx *model.RequestContext, capability string) error {
	if e.caps == nil {
		return nil
	}
	caps, err := e.caps.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolve capabilities: %w", err)
	}
	if !caps.Has(capability) {
		return model.NewForbiddenError(fmt.Sprintf("missing capability %q", capability))
	}
	return nil
}

// loadActive loads a session that still accepts changes. A session past its
// idle deadline is expired on the spot.
func (e *Engine) loadActive(ctx context.Context, rctx *model.RequestContext, sessionID string) (session.Session, error) {
	sess, err := e.store.Get(ctx, rctx.TenantID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if !sess.Active() {
		return session.Session{}, model.NewSessionNotActiveError(sess.Status)
	}
	if e.now().After(sess.ExpiresAt) {
		if _, err := e.finish(ctx, sess, model.SessionStatusExpired); err == nil {
			e.appendEvent(ctx, sess.ID, "", model.EventSessionExpired, actorSystem, nil)
		}
		return session.Session{}, model.NewSessionNotActiveError(model.SessionStatusExpired)
	}
	return sess, nil
}

// save persists a new wizard state and extends the idle deadline.
func (e *Engine) save(ctx context.Context, sess session.Session, state wizard.State) (session.Session, error) {
	sess.State = state
	sess.ExpiresAt = e.now().UTC().Add(e.idleTTL)
	if err := e.store.Update(ctx, sess); err != nil {
		return session.Session{}, err
	}
	sess.Version++
	return sess, nil
}

// finish moves a session to a terminal status.
func (e *Engine) finish(ctx context.Context, sess session.Session, status string) (session.Session, error) {
	sess.Status = status
	if err := e.store.Update(ctx, sess); err != nil {
		return session.Session{}, err
	}
	sess.Version++
	e.metrics.RecordSessionEnd(status)
	return sess, nil
}

func (e *Engine) invalid(stepID wizard.StepID, start time.Time, ferrs []model.FieldError) error {
	e.metrics.RecordStepValidationFailure(stepID.String())
	e.metrics.RecordStepSubmission(stepID.String(), outcomeInvalid, e.now().Sub(start))
	return model.NewValidationError(ferrs)
}

func (e *Engine) submissionFailed(
	ctx context.Context,
	rctx *model.RequestContext,
	sess session.Session,
	stepID wizard.StepID,
	start time.Time,
	err error,
) {
	data := map[string]any{"error": err.Error()}
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		data = map[string]any{"code": env.Code, "message": env.Message}
	}
	e.appendEvent(ctx, sess.ID, stepID.String(), model.EventStepFailed, rctx.SubjectID, data)
	e.metrics.RecordStepSubmission(stepID.String(), outcomeFailed, e.now().Sub(start))
}

// appendEvent records an audit event. The audit trail is best effort: a
// failed append is logged and does not fail the operation.
func (e *Engine) appendEvent(ctx context.Context, sessionID, step, event, actorID string, data map[string]any) {
	err := e.store.AppendEvent(ctx, model.SessionEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Step:      step,
		Event:     event,
		ActorID:   actorID,
		Data:      data,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		observability.LoggerFrom(ctx, e.logger).Warn("onboarding: append event failed",
			zap.String("session_id", sessionID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
