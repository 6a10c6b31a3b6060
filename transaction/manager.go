package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"game_server/logger"
	"game_server/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const _DEFAULT_TIMEOUT = 30 * time.Second

type Config struct {
	// Storage backs operations that keep state in a key-value store and receives
	// the transaction log. Optional.
	Storage Storage
	// DefaultTimeout bounds a whole Run. Zero means 30s, negative disables it.
	DefaultTimeout time.Duration
	ServerID       string
	Logger         *zap.Logger
}

// Manager runs sagas: validate everything, execute in order, and on the first
// failure compensate what already ran in reverse order.
type Manager struct {
	cfg Config
	log *zap.SugaredLogger
}

func NewManager(cfg Config) *Manager {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = _DEFAULT_TIMEOUT
	}
	return &Manager{
		cfg: cfg,
		log: logger.OrDefault(cfg.Logger, "transaction"),
	}
}

func (m *Manager) Storage() Storage {
	return m.cfg.Storage
}

// Run builds the operation list with build and executes it as one unit.
// Failures of single operations never escape as errors or panics; the caller only sees the Result.
func (m *Manager) Run(ctx context.Context, build func(tx *Context) error) Result {
	start := time.Now()
	tx := newContext(uuid.NewString(), m.cfg.Storage)
	res := Result{TransactionID: tx.ID(), State: StatePending}

	if m.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DefaultTimeout)
		defer cancel()
	}

	finish := func(state State, code, msg string) Result {
		res.State = state
		res.Success = state == StateCommitted
		res.ErrorCode = code
		res.Error = msg
		res.Data = tx.snapshot()
		res.Duration = time.Since(start)
		m.record(context.WithoutCancel(ctx), tx, state, msg)
		metrics.Transactions.WithLabelValues(string(state)).Inc()
		return res
	}

	if err := build(tx); err != nil {
		return finish(StateFailed, CodeBuildFailed, err.Error())
	}
	ops := tx.Operations()

	m.record(ctx, tx, StateValidating, "")
	for _, op := range ops {
		if err := m.validate(ctx, tx, op); err != nil {
			code := CodeValidationFailed
			var opErr *OperationError
			if errors.As(err, &opErr) {
				code = opErr.Code
			}
			m.log.Infof("tx %s: %s rejected: %v", tx.ID(), op.Name(), err)
			return finish(StateFailed, code, err.Error())
		}
	}

	m.record(ctx, tx, StateExecuting, "")
	executed := make([]Operation, 0, len(ops))
	var failure *OperationResult
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			f := Fail(CodeTimeout, "%s not started: %v", op.Name(), err)
			failure = &f
			break
		}
		r := m.execute(ctx, tx, op)
		if !r.Success && r.ErrorCode == "" {
			r.ErrorCode = CodeExecutionFailed
		}
		res.Results = append(res.Results, r)
		if !r.Success {
			failure = &r
			break
		}
		executed = append(executed, op)
	}

	if failure == nil {
		return finish(StateCommitted, "", "")
	}

	m.log.Warnf("tx %s failed (%s: %s), compensating %d operations", tx.ID(), failure.ErrorCode, failure.Error, len(executed))
	m.record(ctx, tx, StateCompensating, failure.Error)
	m.compensate(context.WithoutCancel(ctx), tx, executed)
	return finish(StateRolledBack, failure.ErrorCode, failure.Error)
}

func (m *Manager) validate(ctx context.Context, tx *Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Reject(CodePanic, "%s validate panic: %v", op.Name(), r)
		}
	}()
	return op.Validate(ctx, tx)
}

func (m *Manager) execute(ctx context.Context, tx *Context, op Operation) (res OperationResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Fail(CodePanic, "%s execute panic: %v", op.Name(), r)
		}
	}()
	return op.Execute(ctx, tx)
}

// compensate undoes executed in reverse order. Every operation gets its
// attempt even if an earlier compensation failed.
func (m *Manager) compensate(ctx context.Context, tx *Context, executed []Operation) {
	for i := len(executed) - 1; i >= 0; i-- {
		op := executed[i]
		if err := m.compensateOne(ctx, tx, op); err != nil {
			m.log.Errorf("tx %s: compensate %s failed: %v", tx.ID(), op.Name(), err)
		}
	}
}

func (m *Manager) compensateOne(ctx context.Context, tx *Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op.Compensate(ctx, tx)
}

type logRecord struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id,omitempty"`
	State      State     `json:"state"`
	Operations []string  `json:"operations"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LogKey is the storage key of the transaction log record of id
func (m *Manager) LogKey(id string) string {
	if m.cfg.ServerID == "" {
		return "transaction:" + id
	}
	return "transaction:" + m.cfg.ServerID + ":" + id
}

func (m *Manager) record(ctx context.Context, tx *Context, state State, errMsg string) {
	if m.cfg.Storage == nil {
		return
	}
	ops := tx.Operations()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.Name()
	}
	data, err := json.Marshal(logRecord{
		ID:         tx.ID(),
		ServerID:   m.cfg.ServerID,
		State:      state,
		Operations: names,
		Error:      errMsg,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		m.log.Errorf("tx %s: encode log record: %v", tx.ID(), err)
		return
	}
	if err := m.cfg.Storage.Set(ctx, m.LogKey(tx.ID()), string(data)); err != nil {
		m.log.Warnf("tx %s: write log record: %v", tx.ID(), err)
	}
}

// LogState reads back the last recorded state of transaction id.
func (m *Manager) LogState(ctx context.Context, id string) (State, bool, error) {
	if m.cfg.Storage == nil {
		return "", false, ErrNoStorage
	}
	raw, ok, err := m.cfg.Storage.Get(ctx, m.LogKey(id))
	if err != nil || !ok {
		return "", ok, err
	}
	var rec logRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", false, err
	}
	return rec.State, true, nil
}
