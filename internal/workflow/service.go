// Package workflow runs change requests through analysis, approval and
// execution.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tOgg1/changegate/internal/configdoc"
	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/events"
	"github.com/tOgg1/changegate/internal/impact"
	"github.com/tOgg1/changegate/internal/logging"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/policy"
	"github.com/tOgg1/changegate/internal/ssh"
)

// UnreachablePrefix starts the failure reason of an execution that never
// reached the device.
const UnreachablePrefix = "unreachable: "

// MaxContentBytes bounds the proposed content of a single change.
const MaxContentBytes = 4 << 20

// Analyzer produces the impact analysis for a change.
type Analyzer interface {
	Analyze(ctx context.Context, req impact.Request) (*models.ImpactAnalysis, error)
}

// Applier writes approved content to a device and returns a snapshot
// reference for the previous file.
type Applier interface {
	Apply(ctx context.Context, device *models.Device, filePath, content string, changeType models.ChangeType) (string, error)
}

// EvaluateFunc matches change attributes against ordered policies.
type EvaluateFunc func(attrs policy.Attributes, policies []*models.ApprovalPolicy) (policy.Decision, error)

// Options tunes the workflow.
type Options struct {
	// MaxPendingPerRequester caps PENDING requests per requester. Zero
	// disables the cap.
	MaxPendingPerRequester int

	// ExecuteTimeout bounds a single applier call.
	ExecuteTimeout time.Duration

	// AnalysisFailureRisk is the risk a request is created with when impact
	// analysis fails. It defaults to high.
	AnalysisFailureRisk models.RiskLevel
}

// DefaultOptions returns the default workflow options.
func DefaultOptions() Options {
	return Options{
		MaxPendingPerRequester: 10,
		ExecuteTimeout:         5 * time.Minute,
		AnalysisFailureRisk:    models.RiskHigh,
	}
}

// Service is the change request state machine.
type Service struct {
	db        *db.DB
	devices   *db.DeviceRepository
	requests  *db.ChangeRequestRepository
	approvals *db.ApprovalRepository
	steps     *db.WorkflowStepRepository

	analyzer  Analyzer
	evaluate  EvaluateFunc
	policies  policy.Store
	applier   Applier
	publisher events.Publisher

	registerer prometheus.Registerer
	metrics    *metrics
	logger     zerolog.Logger
	opts       Options
	now        func() time.Time
	validate   *validator.Validate

	requestLocks   *keyedMutex
	requesterLocks *keyedMutex
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher publishes change.* and approval.* events.
func WithPublisher(publisher events.Publisher) Option {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithRegisterer registers the workflow collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.registerer = reg
	}
}

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithEvaluator replaces policy.Evaluate.
func WithEvaluator(evaluate EvaluateFunc) Option {
	return func(s *Service) {
		s.evaluate = evaluate
	}
}

// WithOptions sets the workflow options.
func WithOptions(opts Options) Option {
	return func(s *Service) {
		s.opts = opts
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService wires a workflow over database and its collaborators.
func NewService(database *db.DB, analyzer Analyzer, policies policy.Store, applier Applier, opts ...Option) *Service {
	s := &Service{
		db:             database,
		devices:        db.NewDeviceRepository(database),
		requests:       db.NewChangeRequestRepository(database),
		approvals:      db.NewApprovalRepository(database),
		steps:          db.NewWorkflowStepRepository(database),
		analyzer:       analyzer,
		evaluate:       policy.Evaluate,
		policies:       policies,
		applier:        applier,
		publisher:      events.NopPublisher{},
		logger:         logging.Component("workflow"),
		opts:           DefaultOptions(),
		now:            time.Now,
		requestLocks:   newKeyedMutex(),
		requesterLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.policies == nil {
		s.policies = policy.StaticStore{}
	}
	if s.opts.ExecuteTimeout <= 0 {
		s.opts.ExecuteTimeout = DefaultOptions().ExecuteTimeout
	}
	if !s.opts.AnalysisFailureRisk.Valid() {
		s.opts.AnalysisFailureRisk = DefaultOptions().AnalysisFailureRisk
	}
	s.metrics = newMetrics(s.registerer)

	s.validate = validator.New()
	_ = s.validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxContentBytes
	})
	return s
}

// CreateParams describes a new change request.
type CreateParams struct {
	Title       string `validate:"max=200"`
	Description string `validate:"max=4000"`

	// Device is a device ID or name.
	Device     string `validate:"required"`
	ConfigType string `validate:"max=64"`
	FilePath   string `validate:"required,max=1024"`

	// OldContent is the current file content. Nil means the file does not
	// exist yet.
	OldContent      *string
	ProposedContent string            `validate:"required_unless=ChangeType delete,maxbytes"`
	ChangeType      models.ChangeType `validate:"required,oneof=create update delete"`
	Reason          string            `validate:"max=2000"`
	Emergency       bool
	RequestedBy     string `validate:"required,max=200"`
}

// Create analyzes, evaluates and persists a new change request.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.ChangeRequest, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, models.FromValidator(err)
	}

	device, err := s.devices.Resolve(ctx, params.Device)
	if err != nil {
		if errors.Is(err, db.ErrDeviceNotFound) {
			validation := &models.ValidationErrors{}
			validation.Add("device", fmt.Errorf("%w: %s", ErrDeviceNotFound, params.Device))
			return nil, validation.Err()
		}
		return nil, err
	}

	unlock := s.requesterLocks.Lock(params.RequestedBy)
	defer unlock()

	if limit := s.opts.MaxPendingPerRequester; limit > 0 {
		pending, err := s.requests.CountPendingByRequester(ctx, params.RequestedBy)
		if err != nil {
			return nil, err
		}
		if pending >= limit {
			return nil, &CapacityError{RequestedBy: params.RequestedBy, Pending: pending, Limit: limit}
		}
	}

	cr := &models.ChangeRequest{
		ID:              uuid.New().String(),
		Title:           params.Title,
		Description:     params.Description,
		DeviceID:        device.ID,
		ConfigType:      configTypeOf(params.ConfigType, params.FilePath),
		FilePath:        params.FilePath,
		ProposedContent: params.ProposedContent,
		ChangeType:      params.ChangeType,
		Reason:          params.Reason,
		Emergency:       params.Emergency,
		Status:          models.ChangeStatusPending,
		RequestedBy:     params.RequestedBy,
		CreatedAt:       s.now().UTC(),
	}
	if cr.Title == "" {
		cr.Title = fmt.Sprintf("%s %s", cr.ChangeType, cr.FilePath)
	}
	if params.OldContent != nil {
		cr.OldContent = *params.OldContent
	}
	logger := logging.WithRequest(s.logger, cr.ID)

	steps := []*models.WorkflowStep{
		newStep(cr.ID, models.StepCreated, models.StepTypeTransition, cr.RequestedBy,
			models.TransitionPayload{To: models.ChangeStatusPending, Reason: cr.Reason}),
	}

	analysis := s.analyze(ctx, logger, cr, params.OldContent)
	cr.Impact = analysis
	cr.RiskLevel = analysis.RiskLevel
	cr.ImpactSummary = analysis.Summary
	cr.AffectedServices = analysis.AffectedServices
	cr.RequiresRestart = analysis.RequiresRestart

	analysisPayload := models.AnalysisPayload{
		RiskLevel:        analysis.RiskLevel,
		Summary:          analysis.Summary,
		AffectedServices: analysis.AffectedServices,
		Error:            analysis.AnalysisError,
	}
	if analysis.Failed() {
		steps = append(steps, newStep(cr.ID, models.StepAnalysisFailed, models.StepTypeAnalysis, "", analysisPayload))
	} else {
		steps = append(steps, newStep(cr.ID, models.StepImpactAnalyzed, models.StepTypeAnalysis, "", analysisPayload))
	}

	attrs := policy.AttributesOf(cr)
	decision, policyErr := s.decide(ctx, attrs)
	policyPayload := models.PolicyPayload{
		PolicyName:        decision.PolicyName,
		RequiresApproval:  decision.RequiresApproval,
		ApprovalsRequired: decision.ApprovalsRequired,
		AutoApproved:      decision.AutoApprove,
	}
	if policyErr != nil {
		logger.Warn().Err(policyErr).Msg("policy evaluation failed; using conservative default")
		policyPayload.Error = policyErr.Error()
		steps = append(steps, newStep(cr.ID, models.StepPolicyFallback, models.StepTypePolicy, "", policyPayload))
	} else {
		steps = append(steps, newStep(cr.ID, models.StepPolicyEvaluated, models.StepTypePolicy, "", policyPayload))
	}

	cr.RequiresApproval = decision.RequiresApproval
	cr.ApprovalsRequired = max(decision.ApprovalsRequired, 1)
	cr.PolicyName = decision.PolicyName
	if decision.AutoApprove {
		cr.Status = models.ChangeStatusApproved
		cr.RequiresApproval = false
		steps = append(steps, newStep(cr.ID, models.StepAutoApprovedEmergency, models.StepTypeTransition, "", models.TransitionPayload{
			From:   models.ChangeStatusPending,
			To:     models.ChangeStatusApproved,
			Reason: fmt.Sprintf("emergency change auto-approved by policy %s", decision.PolicyName),
		}))
	}

	err = s.db.TransactionWithRetry(ctx, func(tx *sql.Tx) error {
		if err := s.requests.WithTx(tx).Create(ctx, cr); err != nil {
			return err
		}
		return appendSteps(ctx, s.steps.WithTx(tx), steps)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist change request: %w", err)
	}

	s.metrics.created.WithLabelValues(string(cr.ConfigType), string(cr.RiskLevel)).Inc()
	logger.Info().
		Str("device_id", cr.DeviceID).
		Str("file_path", cr.FilePath).
		Str("risk", string(cr.RiskLevel)).
		Str("policy", cr.PolicyName).
		Int("approvals_required", cr.ApprovalsRequired).
		Msg("change request created")

	s.publish(ctx, models.EventTypeChangeCreated, cr, cr.RequestedBy, cr.Reason)
	if decision.AutoApprove {
		s.metrics.transitions.WithLabelValues(string(models.ChangeStatusPending), string(models.ChangeStatusApproved)).Inc()
		s.publish(ctx, models.EventTypeChangeAutoApproved, cr, "", "emergency")
	}
	return cr, nil
}

// analyze never fails: an analyzer error becomes the conservative fallback.
func (s *Service) analyze(ctx context.Context, logger zerolog.Logger, cr *models.ChangeRequest, oldContent *string) *models.ImpactAnalysis {
	req := impact.NewRequest(cr.DeviceID, cr.FilePath, cr.ConfigType, oldContent, cr.ProposedContent)
	cr.ConfigType = req.ConfigType

	start := time.Now()
	analysis, err := s.analyzer.Analyze(ctx, req)
	s.metrics.analysisDuration.WithLabelValues(string(cr.ConfigType)).Observe(time.Since(start).Seconds())

	if err == nil && analysis == nil {
		err = fmt.Errorf("%w: analyzer returned no result", impact.ErrAnalysisFailed)
	}
	if err != nil {
		s.metrics.analysisFailures.WithLabelValues(string(cr.ConfigType)).Inc()
		logger.Warn().Err(err).Str("fallback_risk", string(s.opts.AnalysisFailureRisk)).Msg("impact analysis failed")
		return impact.Fallback(err, s.opts.AnalysisFailureRisk)
	}
	return analysis
}

// decide returns the conservative default alongside any error.
func (s *Service) decide(ctx context.Context, attrs policy.Attributes) (policy.Decision, error) {
	policies, err := s.policies.ListActive(ctx)
	if err != nil {
		return policy.Default(attrs), fmt.Errorf("loading policies: %w", err)
	}
	decision, err := s.evaluate(attrs, policies)
	if err != nil {
		return policy.Default(attrs), err
	}
	return decision, nil
}

// DecideParams is one approver's decision on a request.
type DecideParams struct {
	RequestID    string                `validate:"required"`
	ApproverID   string                `validate:"required,max=200"`
	ApproverName string                `validate:"max=200"`
	Decision     models.ApprovalStatus `validate:"required,oneof=approved rejected"`
	Comments     string                `validate:"max=4000"`
}

// DecideResult reports the effect of a decision.
type DecideResult struct {
	Request  *models.ChangeRequest `json:"request"`
	Approval *models.Approval      `json:"approval"`

	// Previous is the approver's earlier decision, if any.
	Previous models.ApprovalStatus `json:"previous,omitempty"`

	// Transitioned is set when the decision moved the request out of PENDING.
	Transitioned bool `json:"transitioned"`
}

// Decide records an approval decision. A rejection vetoes the request; the
// request is approved once the approved tally reaches the quota.
func (s *Service) Decide(ctx context.Context, params DecideParams) (*DecideResult, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, models.FromValidator(err)
	}

	unlock := s.requestLocks.Lock(params.RequestID)
	defer unlock()

	result := &DecideResult{}
	err := s.db.TransactionWithRetry(ctx, func(tx *sql.Tx) error {
		requests := s.requests.WithTx(tx)
		cr, err := loadRequest(ctx, requests, params.RequestID)
		if err != nil {
			return err
		}
		if cr.Status != models.ChangeStatusPending {
			return &ConflictError{RequestID: cr.ID, Action: "decide on", Status: cr.Status}
		}

		approval := &models.Approval{
			ChangeRequestID: cr.ID,
			ApproverID:      params.ApproverID,
			ApproverName:    params.ApproverName,
			Status:          params.Decision,
			Comments:        params.Comments,
		}
		approvals := s.approvals.WithTx(tx)
		previous, err := approvals.Upsert(ctx, approval)
		if err != nil {
			return err
		}
		approved, rejected, err := approvals.Tally(ctx, cr.ID)
		if err != nil {
			return err
		}

		steps := []*models.WorkflowStep{
			newStep(cr.ID, models.StepApprovalDecision, models.StepTypeDecision, params.ApproverID, models.DecisionPayload{
				ApproverID:   params.ApproverID,
				ApproverName: params.ApproverName,
				Decision:     params.Decision,
				Previous:     previous,
				Comments:     params.Comments,
				Approved:     approved,
				Rejected:     rejected,
				Required:     cr.ApprovalsRequired,
			}),
		}

		var next models.ChangeStatus
		var reason string
		switch {
		case rejected > 0:
			next = models.ChangeStatusRejected
			reason = fmt.Sprintf("rejected by %s", params.ApproverID)
		case approved >= cr.ApprovalsRequired:
			next = models.ChangeStatusApproved
			reason = fmt.Sprintf("%d of %d approvals", approved, cr.ApprovalsRequired)
		}
		if next != "" {
			cr.Status = next
			if err := updateRequest(ctx, requests, cr, models.ChangeStatusPending, "decide on"); err != nil {
				return err
			}
			stepName := models.StepApproved
			if next == models.ChangeStatusRejected {
				stepName = models.StepRejected
			}
			steps = append(steps, newStep(cr.ID, stepName, models.StepTypeTransition, params.ApproverID, models.TransitionPayload{
				From:   models.ChangeStatusPending,
				To:     next,
				Reason: reason,
			}))
			result.Transitioned = true
		}

		if err := appendSteps(ctx, s.steps.WithTx(tx), steps); err != nil {
			return err
		}
		result.Request = cr
		result.Approval = approval
		result.Previous = previous
		return nil
	})
	if err != nil {
		return nil, err
	}

	cr := result.Request
	s.metrics.decisions.WithLabelValues(string(params.Decision)).Inc()
	logger := logging.WithRequest(s.logger, cr.ID)
	logger.Info().
		Str("approver", params.ApproverID).
		Str("decision", string(params.Decision)).
		Str("status", string(cr.Status)).
		Msg("approval decision recorded")

	s.publisher.Publish(ctx, events.NewEvent(
		models.EventTypeApprovalDecided,
		models.EntityTypeChangeRequest,
		cr.ID,
		result.Approval,
		map[string]string{models.EventMetaDevice: cr.DeviceID},
	))
	if result.Transitioned {
		s.metrics.transitions.WithLabelValues(string(models.ChangeStatusPending), string(cr.Status)).Inc()
		eventType := models.EventTypeChangeApproved
		if cr.Status == models.ChangeStatusRejected {
			eventType = models.EventTypeChangeRejected
		}
		s.publish(ctx, eventType, cr, params.ApproverID, params.Comments)
	}
	return result, nil
}

// BulkResult is the outcome of one request in a bulk decision.
type BulkResult struct {
	RequestID string        `json:"request_id"`
	Result    *DecideResult `json:"result,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// BulkDecide applies the same decision to each request. Failures are
// reported per request and do not stop the batch.
func (s *Service) BulkDecide(ctx context.Context, requestIDs []string, params DecideParams) []BulkResult {
	results := make([]BulkResult, 0, len(requestIDs))
	for _, id := range requestIDs {
		p := params
		p.RequestID = id
		res, err := s.Decide(ctx, p)
		entry := BulkResult{RequestID: id, Result: res, Err: err}
		if err != nil {
			entry.Error = err.Error()
		}
		results = append(results, entry)
	}
	return results
}

// Execute applies an approved request, or retries a failed one. Applier
// errors are recorded on the request as FAILED and are not returned.
func (s *Service) Execute(ctx context.Context, requestID, executedBy string) (*models.ChangeRequest, error) {
	if executedBy == "" {
		validation := &models.ValidationErrors{}
		validation.AddMessage("executed_by", "is required")
		return nil, validation.Err()
	}

	unlock := s.requestLocks.Lock(requestID)
	defer unlock()

	cr, err := loadRequest(ctx, s.requests, requestID)
	if err != nil {
		return nil, err
	}
	if !cr.Status.CanTransitionTo(models.ChangeStatusApplied) {
		return nil, &ConflictError{RequestID: cr.ID, Action: "execute", Status: cr.Status}
	}
	device, err := s.devices.Get(ctx, cr.DeviceID)
	if err != nil {
		if errors.Is(err, db.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, cr.DeviceID)
		}
		return nil, err
	}

	attempt := cr.RetryCount + 1
	logger := logging.WithRequest(s.logger, cr.ID)
	started := newStep(cr.ID, models.StepExecutionStarted, models.StepTypeExecution, executedBy,
		models.ExecutionPayload{Attempt: attempt})
	if err := s.db.TransactionWithRetry(ctx, func(tx *sql.Tx) error {
		return appendSteps(ctx, s.steps.WithTx(tx), []*models.WorkflowStep{started})
	}); err != nil {
		return nil, err
	}

	logger.Info().Str("device", device.Name).Int("attempt", attempt).Msg("executing change")
	start := time.Now()
	snapshot, applyErr := s.apply(ctx, device, cr)
	elapsed := time.Since(start)

	// The outcome must be recorded even if the caller gave up.
	persistCtx := context.WithoutCancel(ctx)
	from := cr.Status
	payload := models.ExecutionPayload{Attempt: attempt, DurationMs: elapsed.Milliseconds()}
	var step *models.WorkflowStep
	if applyErr == nil {
		now := s.now().UTC()
		cr.Status = models.ChangeStatusApplied
		cr.AppliedAt = &now
		cr.AppliedBy = executedBy
		cr.SnapshotRef = snapshot
		cr.FailureReason = ""
		cr.ExecutionResult = fmt.Sprintf("applied %s to %s", cr.FilePath, device.Name)
		payload.SnapshotRef = snapshot
		step = newStep(cr.ID, models.StepApplied, models.StepTypeExecution, executedBy, payload)
	} else {
		cr.Status = models.ChangeStatusFailed
		cr.RetryCount++
		cr.FailureReason = failureReason(applyErr, s.opts.ExecuteTimeout)
		cr.ExecutionResult = "failed"
		payload.FailureReason = cr.FailureReason
		step = newStep(cr.ID, models.StepExecutionFailed, models.StepTypeExecution, executedBy, payload)
	}

	err = s.db.TransactionWithRetry(persistCtx, func(tx *sql.Tx) error {
		if err := updateRequest(persistCtx, s.requests.WithTx(tx), cr, from, "execute"); err != nil {
			return err
		}
		return appendSteps(persistCtx, s.steps.WithTx(tx), []*models.WorkflowStep{step})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record execution outcome: %w", err)
	}

	s.metrics.transitions.WithLabelValues(string(from), string(cr.Status)).Inc()
	if applyErr == nil {
		s.metrics.executions.WithLabelValues("applied").Inc()
		logger.Info().Str("snapshot", snapshot).Dur("duration", elapsed).Msg("change applied")
		s.publish(persistCtx, models.EventTypeChangeApplied, cr, executedBy, "")
	} else {
		outcome := "failed"
		if errors.Is(applyErr, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		s.metrics.executions.WithLabelValues(outcome).Inc()
		logger.Warn().Err(applyErr).Int("retry_count", cr.RetryCount).Msg("change execution failed")
		s.publish(persistCtx, models.EventTypeChangeFailed, cr, executedBy, cr.FailureReason)
	}
	return cr, nil
}

// apply invokes the applier once. It returns when the applier does or when
// the timeout fires, whichever is first.
func (s *Service) apply(ctx context.Context, device *models.Device, cr *models.ChangeRequest) (string, error) {
	applyCtx, cancel := context.WithTimeout(ctx, s.opts.ExecuteTimeout)
	defer cancel()

	type outcome struct {
		snapshot string
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		snapshot, err := s.applier.Apply(applyCtx, device, cr.FilePath, cr.ProposedContent, cr.ChangeType)
		done <- outcome{snapshot: snapshot, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && applyCtx.Err() != nil && !errors.Is(out.err, applyCtx.Err()) {
			return "", fmt.Errorf("%w: %w", applyCtx.Err(), out.err)
		}
		return out.snapshot, out.err
	case <-applyCtx.Done():
		return "", applyCtx.Err()
	}
}

func failureReason(err error, timeout time.Duration) string {
	reason := logging.Redact(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timeout: applier did not finish within %s: %s", timeout, reason)
	case errors.Is(err, context.Canceled):
		return "cancelled: " + reason
	case ssh.IsUnreachable(err):
		return UnreachablePrefix + reason
	default:
		return reason
	}
}

// Cancel withdraws a PENDING request or abandons a FAILED one.
func (s *Service) Cancel(ctx context.Context, requestID, cancelledBy, reason string) (*models.ChangeRequest, error) {
	if cancelledBy == "" {
		validation := &models.ValidationErrors{}
		validation.AddMessage("cancelled_by", "is required")
		return nil, validation.Err()
	}

	unlock := s.requestLocks.Lock(requestID)
	defer unlock()

	var cr *models.ChangeRequest
	var from models.ChangeStatus
	err := s.db.TransactionWithRetry(ctx, func(tx *sql.Tx) error {
		requests := s.requests.WithTx(tx)
		var err error
		cr, err = loadRequest(ctx, requests, requestID)
		if err != nil {
			return err
		}
		from = cr.Status
		if !from.CanTransitionTo(models.ChangeStatusCancelled) {
			return &ConflictError{RequestID: cr.ID, Action: "cancel", Status: from}
		}
		cr.Status = models.ChangeStatusCancelled
		if err := updateRequest(ctx, requests, cr, from, "cancel"); err != nil {
			return err
		}
		return appendSteps(ctx, s.steps.WithTx(tx), []*models.WorkflowStep{
			newStep(cr.ID, models.StepCancelled, models.StepTypeTransition, cancelledBy,
				models.TransitionPayload{From: from, To: models.ChangeStatusCancelled, Reason: reason}),
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.transitions.WithLabelValues(string(from), string(cr.Status)).Inc()
	logger := logging.WithRequest(s.logger, cr.ID)
	logger.Info().Str("by", cancelledBy).Msg("change request cancelled")
	s.publish(ctx, models.EventTypeChangeCancelled, cr, cancelledBy, reason)
	return cr, nil
}

// Get returns one change request.
func (s *Service) Get(ctx context.Context, requestID string) (*models.ChangeRequest, error) {
	return loadRequest(ctx, s.requests, requestID)
}

// List returns change requests matching filter, newest first.
func (s *Service) List(ctx context.Context, filter db.ChangeRequestFilter) ([]*models.ChangeRequest, error) {
	return s.requests.List(ctx, filter)
}

// History is the audit trail of a change request.
type History struct {
	Request   *models.ChangeRequest  `json:"request"`
	Approvals []*models.Approval     `json:"approvals"`
	Steps     []*models.WorkflowStep `json:"steps"`
}

// History returns the request with its approvals and steps in order.
func (s *Service) History(ctx context.Context, requestID string) (*History, error) {
	cr, err := loadRequest(ctx, s.requests, requestID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.approvals.ListByChangeRequest(ctx, cr.ID)
	if err != nil {
		return nil, err
	}
	steps, err := s.steps.ListByChangeRequest(ctx, cr.ID)
	if err != nil {
		return nil, err
	}
	return &History{Request: cr, Approvals: approvals, Steps: steps}, nil
}

// Metrics summarizes requests created within a lookback window.
type Metrics struct {
	LookbackHours int                         `json:"lookback_hours"`
	Since         time.Time                   `json:"since"`
	Total         int                         `json:"total"`
	ByStatus      map[models.ChangeStatus]int `json:"by_status"`
	ByRiskLevel   map[models.RiskLevel]int    `json:"by_risk_level"`
	ByConfigType  map[models.ConfigType]int   `json:"by_config_type"`

	// ApprovalRate is approved decisions over all decided requests, in
	// [0, 1]. Applied and failed requests count as approved.
	ApprovalRate float64 `json:"approval_rate"`
}

// GetMetrics aggregates requests created in the last lookbackHours. A
// non-positive lookback means 24 hours.
func (s *Service) GetMetrics(ctx context.Context, lookbackHours int) (*Metrics, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	since := s.now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := s.requests.Counts(ctx, since)
	if err != nil {
		return nil, err
	}

	approved := counts.ByStatus[models.ChangeStatusApproved] +
		counts.ByStatus[models.ChangeStatusApplied] +
		counts.ByStatus[models.ChangeStatusFailed]
	decided := approved + counts.ByStatus[models.ChangeStatusRejected]
	var rate float64
	if decided > 0 {
		rate = float64(approved) / float64(decided)
	}

	return &Metrics{
		LookbackHours: lookbackHours,
		Since:         since,
		Total:         counts.Total,
		ByStatus:      counts.ByStatus,
		ByRiskLevel:   counts.ByRiskLevel,
		ByConfigType:  counts.ByConfigType,
		ApprovalRate:  rate,
	}, nil
}

func (s *Service) publish(ctx context.Context, eventType models.EventType, cr *models.ChangeRequest, by, reason string) {
	s.publisher.Publish(ctx, events.NewEvent(
		eventType,
		models.EntityTypeChangeRequest,
		cr.ID,
		models.ChangeEventPayload{
			Status:      cr.Status,
			RiskLevel:   cr.RiskLevel,
			DeviceID:    cr.DeviceID,
			FilePath:    cr.FilePath,
			PerformedBy: by,
			Reason:      reason,
		},
		map[string]string{models.EventMetaDevice: cr.DeviceID, models.EventMetaRequestedBy: cr.RequestedBy},
	))
}

// configTypeOf honors an explicit tag and otherwise detects the type from
// the file path.
func configTypeOf(tag, filePath string) models.ConfigType {
	if strings.TrimSpace(tag) == "" {
		return configdoc.DetectConfigType(filePath)
	}
	return models.ParseConfigType(tag)
}

func loadRequest(ctx context.Context, repo *db.ChangeRequestRepository, id string) (*models.ChangeRequest, error) {
	cr, err := repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrChangeRequestNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
		}
		return nil, err
	}
	return cr, nil
}

// updateRequest turns a lost conditional update into a ConflictError
// carrying the status that won.
func updateRequest(ctx context.Context, repo *db.ChangeRequestRepository, cr *models.ChangeRequest, expected models.ChangeStatus, action string) error {
	err := repo.Update(ctx, cr, expected)
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrChangeRequestNotFound) {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, cr.ID)
	}
	if errors.Is(err, db.ErrStatusConflict) {
		status := expected
		if current, getErr := repo.Get(ctx, cr.ID); getErr == nil {
			status = current.Status
		}
		return &ConflictError{RequestID: cr.ID, Action: action, Status: status}
	}
	return err
}

func newStep(requestID, name string, stepType models.StepType, by string, payload any) *models.WorkflowStep {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
	}
	return &models.WorkflowStep{
		ChangeRequestID: requestID,
		StepName:        name,
		StepType:        stepType,
		PerformedBy:     by,
		Payload:         data,
	}
}

func appendSteps(ctx context.Context, repo *db.WorkflowStepRepository, steps []*models.WorkflowStep) error {
	for _, step := range steps {
		if err := repo.Append(ctx, step); err != nil {
			return err
		}
	}
	return nil
}
