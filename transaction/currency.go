package transaction

import (
	"context"
	"fmt"
	"strconv"
)

type CurrencyAction string

const (
	CurrencyAdd    CurrencyAction = "add"
	CurrencyDeduct CurrencyAction = "deduct"
	CurrencySet    CurrencyAction = "set"
)

// BalanceProvider is the game's own balance source. When absent the operation
// falls back to the transaction Storage.
type BalanceProvider interface {
	GetBalance(ctx context.Context, playerID, currency string) (int64, error)
	SetBalance(ctx context.Context, playerID, currency string, amount int64) error
}

type CurrencyData struct {
	Action   CurrencyAction
	PlayerID string
	Currency string
	Amount   int64
	Reason   string
}

// CurrencyChange is the Data of a successful currency OperationResult
type CurrencyChange struct {
	PlayerID string
	Currency string
	Before   int64
	After    int64
}

// CurrencyOperation changes one balance. Compensate writes back the balance read by Execute.
type CurrencyOperation struct {
	data     CurrencyData
	provider BalanceProvider

	executed bool
	before   int64
	after    int64
}

func NewCurrencyOperation(data CurrencyData) *CurrencyOperation {
	return &CurrencyOperation{data: data}
}

// WithProvider reads and writes balances through p instead of the transaction storage
func (o *CurrencyOperation) WithProvider(p BalanceProvider) *CurrencyOperation {
	o.provider = p
	return o
}

func (o *CurrencyOperation) Name() string {
	return fmt.Sprintf("currency:%s:%s:%s", o.data.Action, o.data.PlayerID, o.data.Currency)
}

// CurrencyKey is the storage key holding a balance
func CurrencyKey(playerID, currency string) string {
	return fmt.Sprintf("player:%s:currency:%s", playerID, currency)
}

func (o *CurrencyOperation) Validate(ctx context.Context, tx *Context) error {
	if o.data.Amount < 0 {
		return Reject(CodeValidationFailed, "negative amount %d", o.data.Amount)
	}
	switch o.data.Action {
	case CurrencyAdd, CurrencySet:
		return nil
	case CurrencyDeduct:
		balance, err := o.balance(ctx, tx)
		if err != nil {
			return err
		}
		if balance < o.data.Amount {
			return Reject(CodeInsufficientBalance, "%s has %d %s, needs %d", o.data.PlayerID, balance, o.data.Currency, o.data.Amount)
		}
		return nil
	}
	return Reject(CodeValidationFailed, "unknown currency action %q", o.data.Action)
}

func (o *CurrencyOperation) Execute(ctx context.Context, tx *Context) OperationResult {
	before, err := o.balance(ctx, tx)
	if err != nil {
		return Fail(CodeExecutionFailed, "read balance: %v", err)
	}

	var after int64
	switch o.data.Action {
	case CurrencyAdd:
		after = before + o.data.Amount
	case CurrencyDeduct:
		if before < o.data.Amount {
			return Fail(CodeInsufficientBalance, "%s has %d %s, needs %d", o.data.PlayerID, before, o.data.Currency, o.data.Amount)
		}
		after = before - o.data.Amount
	case CurrencySet:
		after = o.data.Amount
	}

	if err := o.setBalance(ctx, tx, after); err != nil {
		return Fail(CodeExecutionFailed, "write balance: %v", err)
	}
	o.executed = true
	o.before = before
	o.after = after
	tx.Set(o.Name()+":before", before)
	tx.Set(o.Name()+":after", after)

	return Ok(CurrencyChange{
		PlayerID: o.data.PlayerID,
		Currency: o.data.Currency,
		Before:   before,
		After:    after,
	})
}

func (o *CurrencyOperation) Compensate(ctx context.Context, tx *Context) error {
	if !o.executed {
		return nil
	}
	if err := o.setBalance(ctx, tx, o.before); err != nil {
		return err
	}
	o.executed = false
	return nil
}

func (o *CurrencyOperation) balance(ctx context.Context, tx *Context) (int64, error) {
	if o.provider != nil {
		return o.provider.GetBalance(ctx, o.data.PlayerID, o.data.Currency)
	}
	return readInt(ctx, tx, CurrencyKey(o.data.PlayerID, o.data.Currency))
}

func (o *CurrencyOperation) setBalance(ctx context.Context, tx *Context, amount int64) error {
	if o.provider != nil {
		return o.provider.SetBalance(ctx, o.data.PlayerID, o.data.Currency, amount)
	}
	return writeInt(ctx, tx, CurrencyKey(o.data.PlayerID, o.data.Currency), amount)
}

func readInt(ctx context.Context, tx *Context, key string) (int64, error) {
	s := tx.Storage()
	if s == nil {
		return 0, ErrNoStorage
	}
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok || raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeInt(ctx context.Context, tx *Context, key string, v int64) error {
	s := tx.Storage()
	if s == nil {
		return ErrNoStorage
	}
	return s.Set(ctx, key, strconv.FormatInt(v, 10))
}
