package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// ExecutionState is the lifecycle of one orchestration, keyed by
// correlation ID.
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

// ExecutionRecord is the persisted status of one orchestration. Completed
// records carry the full result, which also serves idempotent
// re-invocation by correlation ID.
type ExecutionRecord struct {
	CorrelationID string          `json:"correlation_id"`
	State         ExecutionState  `json:"state"`
	Error         string          `json:"error,omitempty"`
	Result        *WorkflowResult `json:"result,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ExecutionStore persists execution records in a core.Memory backend, so
// status queries and idempotence survive whatever the backend survives
// (process lifetime in memory, or Redis across restarts).
type ExecutionStore struct {
	memory core.Memory
	ttl    time.Duration
	logger core.Logger
}

// NewExecutionStore creates a store. ttl bounds how long finished
// records remain queryable.
func NewExecutionStore(memory core.Memory, ttl time.Duration) *ExecutionStore {
	return &ExecutionStore{
		memory: memory,
		ttl:    ttl,
		logger: &core.NoOpLogger{},
	}
}

// SetLogger sets the logger provider
func (s *ExecutionStore) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

func executionKey(correlationID string) string {
	return "executions:" + correlationID
}

// MarkRunning records the start of an orchestration. Running records get
// the same TTL as finished ones so crashed executions eventually expire.
func (s *ExecutionStore) MarkRunning(ctx context.Context, correlationID string) error {
	return s.put(ctx, &ExecutionRecord{
		CorrelationID: correlationID,
		State:         ExecutionRunning,
	})
}

// Complete records a finished orchestration together with its result.
func (s *ExecutionStore) Complete(ctx context.Context, correlationID string, result *WorkflowResult) error {
	return s.put(ctx, &ExecutionRecord{
		CorrelationID: correlationID,
		State:         ExecutionCompleted,
		Result:        result,
	})
}

// Fail records a failed orchestration. The partial result, when present,
// stays queryable alongside the error.
func (s *ExecutionStore) Fail(ctx context.Context, correlationID string, result *WorkflowResult, errMsg string) error {
	return s.put(ctx, &ExecutionRecord{
		CorrelationID: correlationID,
		State:         ExecutionFailed,
		Result:        result,
		Error:         errMsg,
	})
}

// Cancel records an operator cancellation.
func (s *ExecutionStore) Cancel(ctx context.Context, correlationID string) error {
	return s.put(ctx, &ExecutionRecord{
		CorrelationID: correlationID,
		State:         ExecutionCancelled,
	})
}

// Get returns the execution record for a correlation ID.
func (s *ExecutionStore) Get(ctx context.Context, correlationID string) (*ExecutionRecord, error) {
	data, err := s.memory.Get(ctx, executionKey(correlationID))
	if err != nil {
		return nil, fmt.Errorf("reading execution record: %w", err)
	}
	if data == "" {
		return nil, fmt.Errorf("execution %s: %w", correlationID, core.ErrWorkflowNotFound)
	}
	var record ExecutionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("decoding execution record: %w", err)
	}
	return &record, nil
}

// CompletedResult returns the cached result for a correlation ID if the
// execution already completed, for idempotent re-invocation.
func (s *ExecutionStore) CompletedResult(ctx context.Context, correlationID string) (*WorkflowResult, bool) {
	record, err := s.Get(ctx, correlationID)
	if err != nil || record.State != ExecutionCompleted || record.Result == nil {
		return nil, false
	}
	return record.Result, true
}

func (s *ExecutionStore) put(ctx context.Context, record *ExecutionRecord) error {
	record.UpdatedAt = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding execution record: %w", err)
	}
	if err := s.memory.Set(ctx, executionKey(record.CorrelationID), string(data), s.ttl); err != nil {
		s.logger.Warn("Failed to persist execution record", map[string]interface{}{
			"operation":      "execution_store",
			"correlation_id": record.CorrelationID,
			"state":          string(record.State),
			"error":          err.Error(),
		})
		return err
	}
	return nil
}
