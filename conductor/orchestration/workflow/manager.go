// Package workflow tracks multi-agent workflows: stage history, agent task assignments and liveness.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/keylock"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/router"
)

// DefaultTimeout is the inactivity window after which a workflow is no longer active.
const DefaultTimeout = 300 * time.Second

func stateKey(id string) string { return fmt.Sprintf("workflow:%s:state", id) }

func archivedStateKey(id string, generation int) string {
	return fmt.Sprintf("workflow:%s:state:%d", id, generation)
}

// TurnRouter executes one instruction. *router.Router implements it.
type TurnRouter interface {
	Route(ctx context.Context, req router.Request) (*router.Result, error)
}

// Turn is one instruction routed within a workflow.
type Turn struct {
	WorkflowID     string
	ConversationID string // defaults to ConversationID(WorkflowID, AgentID)
	AgentID        string
	Instruction    string
}

// ConversationID is the default conversation of an agent inside a workflow.
func ConversationID(workflowID, agentID string) string {
	return workflowID + ":" + agentID
}

// Manager owns workflow state. Mutations of one workflow are serialized; different workflows run in parallel.
type Manager struct {
	kv       ports.KVStore
	cache    *cache.LRU
	locks    *keylock.Map
	agents   *AgentRegistry
	router   TurnRouter
	detector ports.WorkflowDetector
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache reads workflow state through c.
func WithCache(c *cache.LRU) Option { return func(m *Manager) { m.cache = c } }

// WithAgents shares an agent registry with the router.
func WithAgents(r *AgentRegistry) Option { return func(m *Manager) { m.agents = r } }

// WithRouter enables HandleTurn.
func WithRouter(r TurnRouter) Option { return func(m *Manager) { m.router = r } }

// WithDetector enables StartWorkflow.
func WithDetector(d ports.WorkflowDetector) Option { return func(m *Manager) { m.detector = d } }

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithLogger sets the manager logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With().Str("component", "workflow").Logger() }
}

// NewManager creates a manager persisting to kv.
func NewManager(kv ports.KVStore, opts ...Option) *Manager {
	m := &Manager{
		kv:      kv,
		locks:   keylock.New(),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.agents == nil {
		m.agents = NewAgentRegistry(kv)
	}
	return m
}

// Agents returns the agent registry.
func (m *Manager) Agents() *AgentRegistry { return m.agents }

// Timeout returns the inactivity window.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Initialize creates a workflow. An id whose previous state has expired starts over as the next
// generation; the expired state stays readable through Archived.
func (m *Manager) Initialize(ctx context.Context, workflowID string, initial map[string]any) (*State, error) {
	return m.initialize(ctx, workflowID, "", initial)
}

func (m *Manager) initialize(ctx context.Context, workflowID, workflowType string, initial map[string]any) (*State, error) {
	if workflowID == "" {
		return nil, &ports.ValidationError{Field: "workflowId", Message: "workflow id is required"}
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	now := m.now()
	cur, ok, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if ok && cur.ActiveAt(now, m.timeout) {
		return nil, &ports.ValidationError{
			Field:   "workflowId",
			Message: fmt.Sprintf("workflow %q is already active", workflowID),
			Err:     ports.ErrAlreadyActive,
		}
	}

	st := &State{
		ID:               workflowID,
		WorkflowType:     workflowType,
		CurrentStage:     InitialStage,
		PreviousStages:   []string{},
		ContextData:      initial,
		AgentAssignments: []Assignment{},
		CreatedAt:        now,
		LastUpdateTime:   now,
	}
	if ok {
		if err := m.archive(ctx, cur); err != nil {
			return nil, err
		}
		st.Generation = cur.Generation + 1
	}
	if err := m.save(ctx, st); err != nil {
		return nil, err
	}

	m.logger.Info().Str("workflow", workflowID).Str("type", workflowType).Msg("Workflow initialized")
	return st, nil
}

// Update applies u. A stage change pushes the old stage onto PreviousStages in the same write.
func (m *Manager) Update(ctx context.Context, workflowID string, u Updates) (*State, error) {
	if u.Stage != nil && strings.TrimSpace(*u.Stage) == "" {
		return nil, &ports.ValidationError{Field: "stage", Message: "stage cannot be empty"}
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	st, err := m.loadActive(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if u.Stage != nil && *u.Stage != st.CurrentStage {
		st.PreviousStages = append(st.PreviousStages, st.CurrentStage)
		st.CurrentStage = *u.Stage
	}
	if len(u.Context) > 0 {
		if st.ContextData == nil {
			st.ContextData = make(map[string]any, len(u.Context))
		}
		for k, v := range u.Context {
			st.ContextData[k] = v
		}
	}
	st.LastUpdateTime = m.now()

	if err := m.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// AssignAgentTask appends an active assignment and marks the agent active.
func (m *Manager) AssignAgentTask(ctx context.Context, workflowID, agentID, task string) (*State, error) {
	if agentID == "" {
		return nil, &ports.ValidationError{Field: "agentId", Message: "agent id is required"}
	}
	if strings.TrimSpace(task) == "" {
		return nil, &ports.ValidationError{Field: "task", Message: "task description is required"}
	}

	unlock := m.locks.Lock(workflowID)
	defer unlock()

	st, err := m.loadActive(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	st.AgentAssignments = append(st.AgentAssignments, Assignment{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Task:       task,
		Status:     StatusActive,
		AssignedAt: now,
	})
	st.LastUpdateTime = now
	if err := m.save(ctx, st); err != nil {
		return nil, err
	}

	if err := m.agents.markActive(ctx, agentID, task); err != nil {
		return st, fmt.Errorf("assignment saved but agent %s not updated: %w", agentID, err)
	}

	m.logger.Debug().Str("workflow", workflowID).Str("agent", agentID).Msg("Task assigned")
	return st, nil
}

// CompleteAgentTask completes the agent's most recent active assignment.
// Without one the call is a no-op so out-of-order completion signals are tolerated.
func (m *Manager) CompleteAgentTask(ctx context.Context, workflowID, agentID string) (*State, error) {
	unlock := m.locks.Lock(workflowID)
	defer unlock()

	st, err := m.loadActive(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := len(st.AgentAssignments) - 1; i >= 0; i-- {
		a := st.AgentAssignments[i]
		if a.AgentID == agentID && a.Status == StatusActive {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.logger.Debug().Str("workflow", workflowID).Str("agent", agentID).Msg("No active assignment to complete")
		return st, nil
	}

	now := m.now()
	st.AgentAssignments[idx].Status = StatusCompleted
	st.AgentAssignments[idx].CompletedAt = &now
	st.LastUpdateTime = now
	if err := m.save(ctx, st); err != nil {
		return nil, err
	}

	var next *string
	for i := len(st.AgentAssignments) - 1; i >= 0; i-- {
		a := st.AgentAssignments[i]
		if a.AgentID == agentID && a.Status == StatusActive {
			task := a.Task
			next = &task
			break
		}
	}
	if err := m.agents.markIdle(ctx, agentID, next); err != nil {
		return st, fmt.Errorf("assignment completed but agent %s not updated: %w", agentID, err)
	}
	return st, nil
}

// IsWorkflowActive reports whether state exists and was updated within the timeout.
func (m *Manager) IsWorkflowActive(ctx context.Context, workflowID string) (bool, error) {
	st, ok, err := m.load(ctx, workflowID)
	if err != nil || !ok {
		return false, err
	}
	return st.ActiveAt(m.now(), m.timeout), nil
}

// Get returns the last known state, active or not.
func (m *Manager) Get(ctx context.Context, workflowID string) (*State, error) {
	st, ok, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ports.NewNotFound("workflow", workflowID)
	}
	return st, nil
}

// StartWorkflow detects the workflow for instruction, initializes it and assigns the detected agents in order.
// An empty workflowID gets a generated one.
func (m *Manager) StartWorkflow(ctx context.Context, workflowID, instruction string) (*State, error) {
	if m.detector == nil {
		return nil, fmt.Errorf("workflow detection is not configured")
	}
	if strings.TrimSpace(instruction) == "" {
		return nil, &ports.ValidationError{Field: "instruction", Message: "instruction is required"}
	}

	det, ok, err := m.detector.Detect(ctx, instruction)
	if err != nil {
		return nil, fmt.Errorf("workflow detection failed: %w", err)
	}
	if !ok {
		return nil, &ports.ValidationError{Field: "instruction", Message: "no workflow matches the instruction"}
	}
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	st, err := m.initialize(ctx, workflowID, det.WorkflowType, map[string]any{"instruction": instruction})
	if err != nil {
		return nil, err
	}
	for _, agentID := range det.Agents {
		task := det.Tasks[agentID]
		if task == "" {
			task = instruction
		}
		if st, err = m.AssignAgentTask(ctx, workflowID, agentID, task); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// HandleTurn routes one instruction for a live workflow and records the outcome on the workflow.
// The routing itself runs outside the workflow lock.
func (m *Manager) HandleTurn(ctx context.Context, turn Turn) (*router.Result, error) {
	if m.router == nil {
		return nil, fmt.Errorf("no router configured")
	}
	active, err := m.IsWorkflowActive(ctx, turn.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ports.NewNotFound("workflow", turn.WorkflowID)
	}
	if turn.ConversationID == "" {
		turn.ConversationID = ConversationID(turn.WorkflowID, turn.AgentID)
	}

	res, routeErr := m.router.Route(ctx, router.Request{
		WorkflowID:     turn.WorkflowID,
		ConversationID: turn.ConversationID,
		AgentID:        turn.AgentID,
		Instruction:    turn.Instruction,
	})

	if err := m.recordTurn(ctx, turn.WorkflowID, routeErr); err != nil {
		if routeErr != nil {
			return nil, fmt.Errorf("%w (and recording the failure: %v)", routeErr, err)
		}
		return nil, err
	}
	if routeErr != nil {
		m.logger.Warn().Err(routeErr).Str("workflow", turn.WorkflowID).Str("agent", turn.AgentID).Msg("Turn failed")
		return nil, routeErr
	}
	return res, nil
}

func (m *Manager) recordTurn(ctx context.Context, workflowID string, routeErr error) error {
	unlock := m.locks.Lock(workflowID)
	defer unlock()

	st, ok, err := m.load(ctx, workflowID)
	if err != nil {
		return err
	}
	if !ok {
		return ports.NewNotFound("workflow", workflowID)
	}
	st.Turns++
	st.LastError = ""
	if routeErr != nil {
		st.LastError = routeErr.Error()
	}
	st.LastUpdateTime = m.now()
	return m.save(ctx, st)
}

// Archived returns the state an earlier generation of workflowID had when it was re-initialized.
func (m *Manager) Archived(ctx context.Context, workflowID string, generation int) (*State, error) {
	raw, ok, err := m.kv.Get(ctx, archivedStateKey(workflowID, generation))
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s generation %d: %w", workflowID, generation, err)
	}
	if !ok {
		return nil, ports.NewNotFound("workflow generation", fmt.Sprintf("%s@%d", workflowID, generation))
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("corrupt workflow %s generation %d: %w", workflowID, generation, err)
	}
	return &st, nil
}

func (m *Manager) archive(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", st.ID, err)
	}
	if err := m.kv.Put(ctx, archivedStateKey(st.ID, st.Generation), raw); err != nil {
		return fmt.Errorf("failed to archive workflow %s generation %d: %w", st.ID, st.Generation, err)
	}
	return nil
}

func (m *Manager) loadActive(ctx context.Context, workflowID string) (*State, error) {
	st, ok, err := m.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok || !st.ActiveAt(m.now(), m.timeout) {
		return nil, ports.NewNotFound("workflow", workflowID)
	}
	return st, nil
}

func cacheKey(workflowID string) string { return cache.NamespaceAgent.Key("workflow:" + workflowID) }

func (m *Manager) load(ctx context.Context, workflowID string) (*State, bool, error) {
	var raw []byte
	if m.cache != nil {
		if v, ok := m.cache.Get(cacheKey(workflowID)); ok {
			raw = v
		}
	}
	if raw == nil {
		v, ok, err := m.kv.Get(ctx, stateKey(workflowID))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
		}
		if !ok {
			return nil, false, nil
		}
		raw = v
		if m.cache != nil {
			m.cache.Put(cacheKey(workflowID), v, 0)
		}
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("corrupt workflow %s: %w", workflowID, err)
	}
	return &st, true, nil
}

func (m *Manager) save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", st.ID, err)
	}
	if err := m.kv.Put(ctx, stateKey(st.ID), raw); err != nil {
		if m.cache != nil {
			m.cache.Invalidate(cacheKey(st.ID))
		}
		return fmt.Errorf("failed to save workflow %s: %w", st.ID, err)
	}
	if m.cache != nil {
		m.cache.Put(cacheKey(st.ID), raw, 0)
	}
	return nil
}
