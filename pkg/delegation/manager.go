// Package delegation implements the contract manager: the admission
// pipeline that turns delegation requests into durable contracts, and the
// lifecycle state machine that drives them to a terminal status.
package delegation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/covenant-labs/covenant/pkg/audit"
	"github.com/covenant-labs/covenant/pkg/capability"
	"github.com/covenant-labs/covenant/pkg/chain"
	"github.com/covenant-labs/covenant/pkg/classification"
	"github.com/covenant-labs/covenant/pkg/contracts"
	"github.com/covenant-labs/covenant/pkg/events"
	"github.com/covenant-labs/covenant/pkg/firebreak"
	"github.com/covenant-labs/covenant/pkg/observability"
	"github.com/covenant-labs/covenant/pkg/policy"
	"github.com/covenant-labs/covenant/pkg/reputation"
	"github.com/covenant-labs/covenant/pkg/sched"
	"github.com/covenant-labs/covenant/pkg/security"
	"github.com/covenant-labs/covenant/pkg/store"
	"github.com/covenant-labs/covenant/pkg/token"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Config tunes the contract manager.
type Config struct {
	// MaxDelegationDepth rejects contracts whose depth would reach this
	// value. Zero takes the default of 5.
	MaxDelegationDepth int

	// DefaultPriority is assigned when a request carries none.
	// Zero takes the default of 5.
	DefaultPriority int

	// StorageRetryBase is the first backoff interval when a storage write
	// fails during a status update. Zero takes 50ms. Two further attempts
	// follow at doubled intervals.
	StorageRetryBase time.Duration
}

const storageRetryAttempts = 3

func (c Config) withDefaults() Config {
	if c.MaxDelegationDepth <= 0 {
		c.MaxDelegationDepth = 5
	}
	if c.DefaultPriority <= 0 {
		c.DefaultPriority = 5
	}
	if c.StorageRetryBase <= 0 {
		c.StorageRetryBase = 50 * time.Millisecond
	}
	return c
}

// Statistics summarizes the contract population.
type Statistics struct {
	Total       int                              `json:"total"`
	ByStatus    map[contracts.ContractStatus]int `json:"by_status"`
	SuccessRate float64                          `json:"success_rate"`
}

// Filter selects contracts in QueryContracts. Zero fields do not filter.
type Filter struct {
	Statuses         []contracts.ContractStatus
	DelegatorID      string
	DelegateeID      string
	TaskID           string
	DelegationDepth  *int
	ParentContractID string
	Priority         *int

	// SortBy is one of created_at, priority, status. Empty means created_at.
	SortBy string
	// SortOrder is "asc" or "desc". Empty means ascending.
	SortOrder string

	Limit  int
	Offset int
}

// Manager owns delegation contracts. All admission gates run inside
// CreateContract; lifecycle transitions are serialized behind a single
// mutex so the state machine sees exactly-once semantics.
type Manager struct {
	cfg Config

	store     store.ContractStore
	registry  *capability.Registry
	clearance *classification.Enforcer
	threats   *security.Validator
	scores    *reputation.Engine
	breaks    *firebreak.Enforcer
	chains    *chain.Tracker
	tokens    *token.Engine
	rules     *policy.Evaluator
	auditLog  audit.Logger
	bus       *events.Bus
	obs       *observability.Provider
	deadlines *sched.Queue

	clock  Clock
	logger *slog.Logger

	// transitions serializes status updates across all contracts. The
	// admission path only appends, so it does not take this lock.
	transitions sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClassification substitutes the clearance enforcer.
func WithClassification(e *classification.Enforcer) Option {
	return func(m *Manager) { m.clearance = e }
}

// WithSecurity substitutes the threat validator.
func WithSecurity(v *security.Validator) Option {
	return func(m *Manager) { m.threats = v }
}

// WithReputation substitutes the reputation engine.
func WithReputation(e *reputation.Engine) Option {
	return func(m *Manager) { m.scores = e }
}

// WithFirebreak substitutes the firebreak enforcer.
func WithFirebreak(e *firebreak.Enforcer) Option {
	return func(m *Manager) { m.breaks = e }
}

// WithPolicy adds a CEL deny-rule evaluator as the final admission gate.
func WithPolicy(e *policy.Evaluator) Option {
	return func(m *Manager) { m.rules = e }
}

// WithAudit sets the audit logger. Defaults to a no-op logger.
func WithAudit(l audit.Logger) Option {
	return func(m *Manager) { m.auditLog = l }
}

// WithBus attaches an event bus for contract lifecycle events.
func WithBus(b *events.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithObservability attaches the telemetry provider. Admission attempts,
// per-gate blocks, and the active-contract gauge are recorded through it.
func WithObservability(p *observability.Provider) Option {
	return func(m *Manager) { m.obs = p }
}

// NewManager wires the admission pipeline over the given contract store
// and capability registry. Components not supplied via options get
// default-configured instances.
func NewManager(cfg Config, st store.ContractStore, reg *capability.Registry, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		store:    st,
		registry: reg,
		tokens:   token.NewEngine(),
		auditLog: audit.NewNopLogger(),
		clock:    wallClock{},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.clearance == nil {
		m.clearance = classification.NewEnforcer()
	}
	if m.threats == nil {
		m.threats = security.NewValidator(security.Config{}, security.WithAgentStats(reg))
	}
	if m.scores == nil {
		m.scores = reputation.NewEngine()
	}
	if m.breaks == nil {
		m.breaks = firebreak.NewEnforcer(firebreak.Config{})
	}
	if m.chains == nil {
		m.chains = chain.NewTracker(st, m.cfg.MaxDelegationDepth)
	}
	m.deadlines = sched.NewQueue()
	return m
}

// Close stops the timeout scheduler. The contract store is owned by the
// caller and is not closed.
func (m *Manager) Close() {
	m.deadlines.Close()
}

// Clearance exposes the classification enforcer for agent registration.
func (m *Manager) Clearance() *classification.Enforcer { return m.clearance }

// Reputation exposes the reputation engine.
func (m *Manager) Reputation() *reputation.Engine { return m.scores }

// Chains exposes the chain tracker.
func (m *Manager) Chains() *chain.Tracker { return m.chains }

func (m *Manager) validateRequest(req *contracts.DelegationRequest) error {
	if req == nil {
		return contracts.ErrInvalidRequest("nil request")
	}
	if req.TaskID == "" {
		return contracts.ErrInvalidRequest("task_id is required")
	}
	if req.Delegator.AgentID == "" {
		return contracts.ErrInvalidRequest("delegator.agent_id is required")
	}
	if len(req.RequiredCapabilities) == 0 {
		return contracts.ErrInvalidRequest("required_capabilities must not be empty")
	}
	if req.TLPClassification != "" && !req.TLPClassification.Valid() {
		return contracts.ErrInvalidRequest("unknown tlp_classification %q", req.TLPClassification)
	}
	if req.Priority < 0 || req.Priority > 10 {
		return contracts.ErrInvalidRequest("priority %d out of range 1..10", req.Priority)
	}
	if req.VerificationPolicy != "" && !req.VerificationPolicy.Valid() {
		return contracts.ErrInvalidRequest("unknown verification_policy %q", req.VerificationPolicy)
	}
	return nil
}

// bindDelegatee resolves the delegatee, consulting the capability registry
// when the request leaves it open.
func (m *Manager) bindDelegatee(req *contracts.DelegationRequest) (contracts.AgentRef, error) {
	if req.Delegatee.AgentID != "" {
		return req.Delegatee, nil
	}
	matches := m.registry.MatchAgents(capability.MatchQuery{
		RequiredCategories:   req.RequiredCapabilities,
		RequiredTLPClearance: req.TLPClassification,
		ExcludeAgents:        []string{req.Delegator.AgentID},
		OnlyAvailable:        true,
		ConsiderWorkload:     true,
	})
	if len(matches) == 0 {
		return contracts.AgentRef{}, contracts.ErrInvalidRequest(
			"no registered agent matches capabilities %v", req.RequiredCapabilities)
	}
	return contracts.AgentRef{AgentID: matches[0].AgentID, Name: matches[0].AgentName}, nil
}

// CreateContract runs the full admission pipeline: request validation,
// delegatee binding, depth and loop checks, token attenuation, then the
// ordered gates (classification, security, reputation, firebreak, policy).
// Any rejection surfaces as a typed error and nothing is persisted.
func (m *Manager) CreateContract(ctx context.Context, req *contracts.DelegationRequest) (*contracts.DelegationContract, error) {
	start := m.clock.Now()
	c, err := m.admit(ctx, req)
	if m.obs != nil {
		var attrs []attribute.KeyValue
		if c != nil {
			attrs = observability.AdmissionAttrs(c.TaskID, c.Delegator.AgentID, c.Delegatee.AgentID, c.DelegationDepth)
		} else if req != nil {
			attrs = observability.AdmissionAttrs(req.TaskID, req.Delegator.AgentID, "", 0)
		}
		m.obs.RecordAdmission(ctx, attrs...)
		m.obs.RecordAdmissionDuration(ctx, m.clock.Now().Sub(start), attrs...)
		if err != nil {
			m.obs.RecordBlock(ctx, observability.GateForError(err), attrs...)
		}
	}
	return c, err
}

func (m *Manager) admit(ctx context.Context, req *contracts.DelegationRequest) (*contracts.DelegationContract, error) {
	if err := m.validateRequest(req); err != nil {
		return nil, err
	}

	var parent *contracts.DelegationContract
	if req.ParentContractID != "" {
		p, err := m.store.GetContract(ctx, req.ParentContractID)
		if err != nil {
			return nil, err
		}
		parent = p
	}

	depth := 0
	if parent != nil {
		depth = parent.DelegationDepth + 1
	}
	if depth >= m.cfg.MaxDelegationDepth {
		return nil, contracts.ErrMaxDepthExceeded(depth, m.cfg.MaxDelegationDepth)
	}

	delegatee, err := m.bindDelegatee(req)
	if err != nil {
		return nil, err
	}

	var chainAgents []string
	if parent != nil {
		analysis, err := m.chains.CheckCandidate(ctx, parent.ContractID, delegatee.AgentID)
		if err != nil {
			return nil, err
		}
		chainAgents = analysis.Agents
	}

	permToken := req.PermissionToken
	if parent != nil && parent.PermissionToken != nil && req.PermissionToken != nil {
		attenuated, err := m.tokens.Attenuate(parent.PermissionToken, req.PermissionToken)
		if err != nil {
			return nil, err
		}
		permToken = attenuated
	} else if permToken != nil {
		permToken = permToken.Clone()
		permToken.DelegationDepth = depth
	}

	contractID := uuid.NewString()

	if err := m.runGates(ctx, req, parent, delegatee, depth, contractID, chainAgents); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	c := &contracts.DelegationContract{
		ContractID:      contractID,
		TaskID:          req.TaskID,
		TaskDescription: req.TaskDescription,

		Delegator: req.Delegator,
		Delegatee: delegatee,

		RequiredCapabilities: append([]string(nil), req.RequiredCapabilities...),
		VerificationPolicy:   req.VerificationPolicy,
		SuccessCriteria:      req.SuccessCriteria,

		PermissionToken:      permToken,
		ResourceRequirements: req.ResourceRequirements,
		RetryPolicy:          req.RetryPolicy,

		Priority:  req.Priority,
		TimeoutMs: req.TimeoutMs,

		TLPClassification: req.TLPClassification,

		ParentContractID: req.ParentContractID,
		DelegationDepth:  depth,

		Firebreak:              req.Firebreak,
		ReputationRequirements: req.ReputationRequirements,

		Status:    contracts.StatusPending,
		CreatedAt: now,
		Metadata:  req.Metadata,
	}
	if c.Priority == 0 {
		c.Priority = m.cfg.DefaultPriority
	}
	if c.TLPClassification == "" {
		c.TLPClassification = contracts.TLPClear
	}
	if c.VerificationPolicy == "" {
		c.VerificationPolicy = contracts.VerifyDirectInspection
	}

	if err := m.store.PutContract(ctx, c); err != nil {
		return nil, err
	}

	if err := m.auditLog.Record(ctx, contracts.EventDelegationCreated, delegatee.AgentID, contractID, map[string]any{
		"task_id":          c.TaskID,
		"delegator":        c.Delegator.AgentID,
		"delegatee":        c.Delegatee.AgentID,
		"delegation_depth": c.DelegationDepth,
		"tlp":              c.TLPClassification,
	}); err != nil {
		m.logger.Error("audit append failed after contract creation",
			"contract_id", contractID, "error", err)
	}
	m.publish(events.TypeContractCreated, delegatee.AgentID, c)

	m.logger.Info("contract created",
		"contract_id", contractID,
		"task_id", c.TaskID,
		"delegator", c.Delegator.AgentID,
		"delegatee", c.Delegatee.AgentID,
		"depth", c.DelegationDepth)
	return c, nil
}

// runGates executes the ordered admission gates, short-circuiting on the
// first block. Security findings are audited and published even when they
// do not block.
func (m *Manager) runGates(ctx context.Context, req *contracts.DelegationRequest, parent *contracts.DelegationContract, delegatee contracts.AgentRef, depth int, contractID string, chainAgents []string) error {
	tlp := req.TLPClassification
	if tlp == "" {
		tlp = contracts.TLPClear
	}
	if err := m.clearance.Check(delegatee.AgentID, tlp, contractID); err != nil {
		return err
	}

	secRes, secErr := m.threats.Validate(ctx, req, parent)
	if secRes != nil && len(secRes.Threats) > 0 {
		if aerr := m.auditLog.Record(ctx, contracts.EventSecurityThreatDetected, req.Delegator.AgentID, contractID, secRes); aerr != nil {
			m.logger.Error("audit append failed for security finding", "error", aerr)
		}
		m.publish(events.TypeSecurityThreatDetected, req.Delegator.AgentID, secRes)
	}
	if secErr != nil {
		m.scores.RecordSecurityBlock(req.Delegator.AgentID)
		return secErr
	}

	if err := m.scores.MeetsRequirements(delegatee.AgentID, req.ReputationRequirements); err != nil {
		return err
	}

	if _, err := m.breaks.Check(firebreak.Context{
		DelegationDepth:         depth,
		EstimatedValue:          req.EstimatedValue,
		InvolvesCriticalSystems: req.InvolvesCriticalSystems,
		IsExternalDelegation:    req.IsExternalDelegation,
		ChainAgents:             chainAgents,
	}); err != nil {
		return err
	}
	if err := checkContractLimits(req, depth); err != nil {
		return err
	}

	if m.rules != nil {
		if err := m.rules.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// checkContractLimits applies the per-request firebreak tightening on top
// of the global enforcer thresholds. Limits can only narrow, never widen.
func checkContractLimits(req *contracts.DelegationRequest, depth int) error {
	fb := req.Firebreak
	if fb == nil {
		return nil
	}
	var blocking []string
	if fb.MaxDepth != nil && depth > *fb.MaxDepth {
		blocking = append(blocking, firebreak.TriggerExcessiveDepth)
	}
	if fb.MaxValue != nil && req.EstimatedValue > *fb.MaxValue {
		blocking = append(blocking, firebreak.TriggerHighValue)
	}
	if fb.AllowCritical != nil && !*fb.AllowCritical && req.InvolvesCriticalSystems {
		blocking = append(blocking, firebreak.TriggerCritical)
	}
	if fb.AllowExternal != nil && !*fb.AllowExternal && req.IsExternalDelegation {
		blocking = append(blocking, firebreak.TriggerExternal)
	}
	if len(blocking) == 0 {
		return nil
	}
	return contracts.ErrFirebreakBlocked(blocking, firebreak.AuthorityManager)
}

func (m *Manager) publish(eventType, agentID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: m.clock.Now().UTC(),
		AgentID:   agentID,
		Payload:   payload,
	})
}

// GetContract returns the persisted contract.
func (m *Manager) GetContract(ctx context.Context, contractID string) (*contracts.DelegationContract, error) {
	return m.store.GetContract(ctx, contractID)
}

// QueryContracts returns contracts matching the filter, sorted and paged.
func (m *Manager) QueryContracts(ctx context.Context, f Filter) ([]*contracts.DelegationContract, error) {
	switch f.SortOrder {
	case "", "asc", "desc":
	default:
		return nil, contracts.ErrInvalidRequest("sort_order must be asc or desc, got %q", f.SortOrder)
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, contracts.ErrInvalidRequest("unknown status %q", s)
		}
	}

	q := store.ContractQuery{
		DelegatorID: f.DelegatorID,
		DelegateeID: f.DelegateeID,
		TaskID:      f.TaskID,
		SortBy:      f.SortBy,
		SortDesc:    f.SortOrder == "desc",
	}

	// Filters the store cannot express are applied in memory; paging then
	// happens after filtering so offsets stay stable.
	narrow := len(f.Statuses) > 1 || f.DelegationDepth != nil ||
		f.ParentContractID != "" || f.Priority != nil
	if len(f.Statuses) == 1 {
		q.Status = f.Statuses[0]
	}
	if !narrow {
		q.Limit = f.Limit
		q.Offset = f.Offset
	}

	rows, err := m.store.QueryContracts(ctx, q)
	if err != nil {
		return nil, err
	}
	if !narrow {
		return rows, nil
	}

	statusSet := make(map[contracts.ContractStatus]bool, len(f.Statuses))
	for _, s := range f.Statuses {
		statusSet[s] = true
	}
	out := rows[:0]
	for _, c := range rows {
		if len(statusSet) > 0 && !statusSet[c.Status] {
			continue
		}
		if f.DelegationDepth != nil && c.DelegationDepth != *f.DelegationDepth {
			continue
		}
		if f.ParentContractID != "" && c.ParentContractID != f.ParentContractID {
			continue
		}
		if f.Priority != nil && c.Priority != *f.Priority {
			continue
		}
		out = append(out, c)
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetActiveContracts returns the delegatee's contracts in pending or
// active status.
func (m *Manager) GetActiveContracts(ctx context.Context, agentID string) ([]*contracts.DelegationContract, error) {
	return m.QueryContracts(ctx, Filter{
		DelegateeID: agentID,
		Statuses:    []contracts.ContractStatus{contracts.StatusPending, contracts.StatusActive},
	})
}

// GetStatistics summarizes contract counts and the terminal success rate.
// An empty agentID covers the whole store.
func (m *Manager) GetStatistics(ctx context.Context, agentID string) (*Statistics, error) {
	byStatus := make(map[contracts.ContractStatus]int)
	if agentID == "" {
		counts, err := m.store.CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		byStatus = counts
	} else {
		rows, err := m.store.QueryContracts(ctx, store.ContractQuery{DelegateeID: agentID})
		if err != nil {
			return nil, err
		}
		for _, c := range rows {
			byStatus[c.Status]++
		}
	}

	stats := &Statistics{ByStatus: byStatus}
	for _, n := range byStatus {
		stats.Total += n
	}
	completed := byStatus[contracts.StatusCompleted]
	attempts := completed + byStatus[contracts.StatusFailed] + byStatus[contracts.StatusTimeout]
	if attempts > 0 {
		stats.SuccessRate = float64(completed) / float64(attempts)
	}
	return stats, nil
}

// UpdateContractStatus drives the contract state machine. activated_at is
// set exactly on the first pending→active edge; completed_at on any edge
// into a terminal status. Terminal transitions feed the reputation engine
// and release the delegatee's workload slot.
func (m *Manager) UpdateContractStatus(ctx context.Context, contractID string, next contracts.ContractStatus, result *contracts.VerificationResult) (*contracts.DelegationContract, error) {
	if !next.Valid() {
		return nil, contracts.ErrInvalidRequest("unknown status %q", next)
	}
	return m.transition(ctx, contractID, next, result, transitionOpts{})
}

// CancelContract cancels a pending or active contract. Cancelling an
// already-terminal contract is a no-op and returns the contract unchanged.
func (m *Manager) CancelContract(ctx context.Context, contractID, reason string) (*contracts.DelegationContract, error) {
	return m.transition(ctx, contractID, contracts.StatusCancelled, nil, transitionOpts{
		idempotentOnTerminal: true,
		cancelReason:         reason,
	})
}

// DeleteContract soft-deletes by revoking the contract. The row remains
// for audit lineage. Revoking an already-revoked contract is a no-op.
func (m *Manager) DeleteContract(ctx context.Context, contractID string) (*contracts.DelegationContract, error) {
	return m.transition(ctx, contractID, contracts.StatusRevoked, nil, transitionOpts{
		idempotentOnSame: true,
	})
}

type transitionOpts struct {
	// idempotentOnTerminal returns the contract unchanged when it is
	// already in any terminal status.
	idempotentOnTerminal bool
	// idempotentOnSame returns the contract unchanged only when it is
	// already in the requested status.
	idempotentOnSame bool
	cancelReason     string
}

func (m *Manager) transition(ctx context.Context, contractID string, next contracts.ContractStatus, result *contracts.VerificationResult, opts transitionOpts) (*contracts.DelegationContract, error) {
	m.transitions.Lock()
	defer m.transitions.Unlock()

	c, err := m.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	prev := c.Status

	if opts.idempotentOnTerminal && prev.Terminal() {
		return c, nil
	}
	if opts.idempotentOnSame && prev == next {
		return c, nil
	}
	if !contracts.CanTransition(prev, next) {
		return nil, contracts.ErrStateMachine(prev, next)
	}

	now := m.clock.Now().UTC()
	c.Status = next
	if prev == contracts.StatusPending && next == contracts.StatusActive && c.ActivatedAt == nil {
		t := now
		c.ActivatedAt = &t
	}
	if next.Terminal() {
		t := now
		c.CompletedAt = &t
	}
	if result != nil {
		c.VerificationResult = result
	}
	if opts.cancelReason != "" {
		if c.Metadata == nil {
			c.Metadata = make(map[string]any)
		}
		c.Metadata["cancellation_reason"] = opts.cancelReason
	}

	if err := m.updateWithRetry(ctx, c); err != nil {
		return nil, err
	}

	m.afterTransition(ctx, c, prev, next, now)
	return c, nil
}

// updateWithRetry retries transient storage failures with bounded
// exponential backoff before surfacing them.
func (m *Manager) updateWithRetry(ctx context.Context, c *contracts.DelegationContract) error {
	var err error
	backoff := m.cfg.StorageRetryBase
	for attempt := 0; attempt < storageRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return contracts.ErrStorageUnavailable(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = m.store.UpdateContract(ctx, c)
		if err == nil {
			return nil
		}
		if contracts.KindOf(err) != contracts.KindStorageUnavailable {
			return err
		}
		m.logger.Warn("storage write failed, retrying",
			"contract_id", c.ContractID, "attempt", attempt+1, "error", err)
	}
	return err
}

func (m *Manager) afterTransition(ctx context.Context, c *contracts.DelegationContract, prev, next contracts.ContractStatus, now time.Time) {
	eventType := contracts.EventDelegationVerified
	busType := events.TypeContractStatusChanged
	if next == contracts.StatusCancelled {
		eventType = contracts.EventContractCancelled
		busType = events.TypeContractCancelled
	}
	if err := m.auditLog.Record(ctx, eventType, c.Delegatee.AgentID, c.ContractID, map[string]any{
		"old_status": prev,
		"new_status": next,
	}); err != nil {
		m.logger.Error("audit append failed after transition",
			"contract_id", c.ContractID, "error", err)
	}
	m.publish(busType, c.Delegatee.AgentID, map[string]any{
		"contract_id": c.ContractID,
		"old_status":  prev,
		"new_status":  next,
	})

	if next == contracts.StatusActive {
		// Best effort: the delegatee may not carry a manifest.
		_ = m.registry.IncrementWorkload(c.Delegatee.AgentID)
		if m.obs != nil {
			m.obs.ContractActivated(ctx, observability.ContractAttrs(c.ContractID, next)...)
		}
		m.scheduleTimeout(c, now)
		return
	}
	if !next.Terminal() {
		return
	}

	m.deadlines.Cancel(c.ContractID)
	if prev == contracts.StatusActive {
		_ = m.registry.DecrementWorkload(c.Delegatee.AgentID)
		if m.obs != nil {
			m.obs.ContractSettled(ctx, observability.ContractAttrs(c.ContractID, next)...)
		}
	}
	m.recordOutcome(c, next, now)
}

// recordOutcome feeds performance dimensions only for outcome-bearing
// terminal states. Cancellation and revocation say nothing about how the
// delegatee performed.
func (m *Manager) recordOutcome(c *contracts.DelegationContract, next contracts.ContractStatus, now time.Time) {
	switch next {
	case contracts.StatusCompleted, contracts.StatusFailed, contracts.StatusTimeout:
	default:
		return
	}
	success := next == contracts.StatusCompleted

	var actualMs int64
	start := c.CreatedAt
	if c.ActivatedAt != nil {
		start = *c.ActivatedAt
	}
	if elapsed := now.Sub(start); elapsed > 0 {
		actualMs = elapsed.Milliseconds()
	}

	m.scores.RecordOutcome(c.Delegatee.AgentID, reputation.Outcome{
		Success:      success,
		TargetTimeMs: c.TimeoutMs,
		ActualTimeMs: actualMs,
	})
	var dur time.Duration
	if actualMs > 0 {
		dur = time.Duration(actualMs) * time.Millisecond
	}
	for _, capID := range c.RequiredCapabilities {
		// Best effort: the manifest may not list every required
		// capability by this exact ID.
		_ = m.registry.RecordOutcome(c.Delegatee.AgentID, capID, success, dur)
	}
}

// scheduleTimeout arms the deadline queue for an activated contract. The
// fired transition runs on the scheduler goroutine with a background
// context; a contract already terminal by then fails the state machine
// check and is ignored.
func (m *Manager) scheduleTimeout(c *contracts.DelegationContract, now time.Time) {
	if c.TimeoutMs <= 0 {
		return
	}
	id := c.ContractID
	at := now.Add(time.Duration(c.TimeoutMs) * time.Millisecond)
	m.deadlines.Schedule(id, at, func() {
		if _, err := m.UpdateContractStatus(context.Background(), id, contracts.StatusTimeout, nil); err != nil {
			if contracts.KindOf(err) != contracts.KindStateMachineViolation {
				m.logger.Error("timeout transition failed", "contract_id", id, "error", err)
			}
		}
	})
}
