package transaction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"game_server/transaction"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T, storage transaction.Storage) *transaction.Manager {
	t.Helper()
	return transaction.NewManager(transaction.Config{
		Storage:  storage,
		ServerID: "test",
		Logger:   zaptest.NewLogger(t),
	})
}

func setBalance(t *testing.T, s transaction.Storage, player, currency, v string) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), transaction.CurrencyKey(player, currency), v))
}

func balance(t *testing.T, s transaction.Storage, player, currency string) string {
	t.Helper()
	v, _, err := s.Get(context.Background(), transaction.CurrencyKey(player, currency))
	require.NoError(t, err)
	return v
}

// recorder is an operation that logs every phase into a shared journal
type recorder struct {
	name        string
	journal     *[]string
	failExecute bool
	failComp    bool
	panicExec   bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Validate(context.Context, *transaction.Context) error {
	*r.journal = append(*r.journal, "validate:"+r.name)
	return nil
}

func (r *recorder) Execute(context.Context, *transaction.Context) transaction.OperationResult {
	*r.journal = append(*r.journal, "execute:"+r.name)
	if r.panicExec {
		panic("boom")
	}
	if r.failExecute {
		return transaction.Fail("", "%s failed", r.name)
	}
	return transaction.Ok(nil)
}

func (r *recorder) Compensate(context.Context, *transaction.Context) error {
	*r.journal = append(*r.journal, "compensate:"+r.name)
	if r.failComp {
		return errors.New("compensation broke")
	}
	return nil
}

func TestRun_CommitsInOrder(t *testing.T) {
	var journal []string
	m := newManager(t, nil)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(&recorder{name: "a", journal: &journal})
		tx.AddOperation(&recorder{name: "b", journal: &journal})
		return nil
	})

	require.True(t, res.Success)
	assert.Equal(t, transaction.StateCommitted, res.State)
	assert.Len(t, res.Results, 2)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, []string{"validate:a", "validate:b", "execute:a", "execute:b"}, journal)
}

func TestRun_CompensatesInReverseOrder(t *testing.T) {
	var journal []string
	m := newManager(t, nil)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(&recorder{name: "a", journal: &journal})
		tx.AddOperation(&recorder{name: "b", journal: &journal})
		tx.AddOperation(&recorder{name: "c", journal: &journal, failExecute: true})
		tx.AddOperation(&recorder{name: "d", journal: &journal})
		return nil
	})

	require.False(t, res.Success)
	assert.Equal(t, transaction.StateRolledBack, res.State)
	assert.Equal(t, transaction.CodeExecutionFailed, res.ErrorCode)
	assert.Equal(t, []string{
		"validate:a", "validate:b", "validate:c", "validate:d",
		"execute:a", "execute:b", "execute:c",
		"compensate:b", "compensate:a",
	}, journal)
}

func TestRun_CompensationFailureDoesNotStopOthers(t *testing.T) {
	var journal []string
	m := newManager(t, nil)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(&recorder{name: "a", journal: &journal})
		tx.AddOperation(&recorder{name: "b", journal: &journal, failComp: true})
		tx.AddOperation(&recorder{name: "c", journal: &journal, panicExec: true})
		return nil
	})

	require.False(t, res.Success)
	assert.Equal(t, transaction.CodePanic, res.ErrorCode)
	assert.Equal(t, []string{"compensate:b", "compensate:a"}, journal[len(journal)-2:])
}

func TestRun_ValidationRejectsBeforeExecution(t *testing.T) {
	var journal []string
	m := newManager(t, nil)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(&recorder{name: "a", journal: &journal})
		tx.AddOperation(&transaction.Func{
			OpName: "guard",
			ValidateFn: func(context.Context, *transaction.Context) error {
				return transaction.Reject("NOT_READY", "room not started")
			},
		})
		return nil
	})

	require.False(t, res.Success)
	assert.Equal(t, transaction.StateFailed, res.State)
	assert.Equal(t, "NOT_READY", res.ErrorCode)
	assert.Equal(t, []string{"validate:a"}, journal)
}

func TestRun_BuildError(t *testing.T) {
	m := newManager(t, nil)
	res := m.Run(context.Background(), func(*transaction.Context) error {
		return errors.New("no target")
	})
	assert.False(t, res.Success)
	assert.Equal(t, transaction.CodeBuildFailed, res.ErrorCode)
}

func TestRun_Timeout(t *testing.T) {
	var journal []string
	m := transaction.NewManager(transaction.Config{
		DefaultTimeout: 20 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(&recorder{name: "a", journal: &journal})
		tx.AddOperation(&transaction.Func{
			OpName: "slow",
			ExecuteFn: func(ctx context.Context, _ *transaction.Context) transaction.OperationResult {
				<-ctx.Done()
				return transaction.OperationResult{Success: true}
			},
		})
		tx.AddOperation(&recorder{name: "never", journal: &journal})
		return nil
	})

	require.False(t, res.Success)
	assert.Equal(t, transaction.CodeTimeout, res.ErrorCode)
	assert.Contains(t, journal, "compensate:a")
	assert.NotContains(t, journal, "execute:never")
}

func TestRun_RecordsLog(t *testing.T) {
	storage := transaction.NewMemoryStorage()
	m := newManager(t, storage)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(&transaction.Func{OpName: "noop"})
		return nil
	})
	require.True(t, res.Success)

	state, ok, err := m.LogState(context.Background(), res.TransactionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, transaction.StateCommitted, state)
}

func TestCurrency_TwoDeductsSecondRejected(t *testing.T) {
	storage := transaction.NewMemoryStorage()
	setBalance(t, storage, "p1", "gold", "150")
	m := newManager(t, storage)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencyDeduct, PlayerID: "p1", Currency: "gold", Amount: 100,
		}))
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencyDeduct, PlayerID: "p1", Currency: "gold", Amount: 500,
		}))
		return nil
	})

	require.False(t, res.Success)
	assert.Equal(t, transaction.CodeInsufficientBalance, res.ErrorCode)
	assert.Equal(t, "150", balance(t, storage, "p1", "gold"))
}

func TestCurrency_ExecuteFailureCompensatesFirst(t *testing.T) {
	storage := transaction.NewMemoryStorage()
	setBalance(t, storage, "p1", "gold", "150")
	m := newManager(t, storage)

	// both pass validation against 150, the second runs out at execution time
	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		for i := 0; i < 2; i++ {
			tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
				Action: transaction.CurrencyDeduct, PlayerID: "p1", Currency: "gold", Amount: 100,
			}))
		}
		return nil
	})

	require.False(t, res.Success)
	assert.Equal(t, transaction.StateRolledBack, res.State)
	assert.Equal(t, transaction.CodeInsufficientBalance, res.ErrorCode)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, "150", balance(t, storage, "p1", "gold"))
}

func TestCurrency_ExecuteCompensateRoundTrip(t *testing.T) {
	for _, start := range []int64{100, 150, 1_000_000} {
		storage := transaction.NewMemoryStorage()
		tx := transaction.NewManager(transaction.Config{Storage: storage})
		op := transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencyDeduct, PlayerID: "p", Currency: "gem", Amount: 100,
		})
		ctx := context.Background()
		require.NoError(t, storage.Set(ctx, transaction.CurrencyKey("p", "gem"), formatInt(start)))

		// run with a failing second step so the first one is executed and compensated
		res := tx.Run(ctx, func(c *transaction.Context) error {
			c.AddOperation(op)
			c.AddOperation(&transaction.Func{
				OpName: "fail",
				ExecuteFn: func(context.Context, *transaction.Context) transaction.OperationResult {
					return transaction.Fail("X", "x")
				},
			})
			return nil
		})
		require.False(t, res.Success)
		assert.Equal(t, formatInt(start), balance(t, storage, "p", "gem"))
	}
}

func TestCurrency_AuditInContext(t *testing.T) {
	storage := transaction.NewMemoryStorage()
	setBalance(t, storage, "p1", "gold", "10")
	m := newManager(t, storage)

	op := transaction.NewCurrencyOperation(transaction.CurrencyData{
		Action: transaction.CurrencyAdd, PlayerID: "p1", Currency: "gold", Amount: 5,
	})
	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(op)
		return nil
	})

	require.True(t, res.Success)
	assert.Equal(t, int64(10), res.Data[op.Name()+":before"])
	assert.Equal(t, int64(15), res.Data[op.Name()+":after"])
	assert.Equal(t, transaction.CurrencyChange{PlayerID: "p1", Currency: "gold", Before: 10, After: 15}, res.Results[0].Data)
	assert.Equal(t, "15", balance(t, storage, "p1", "gold"))
}

type mapBalances map[string]int64

func (b mapBalances) GetBalance(_ context.Context, playerID, currency string) (int64, error) {
	return b[playerID+"/"+currency], nil
}

func (b mapBalances) SetBalance(_ context.Context, playerID, currency string, amount int64) error {
	b[playerID+"/"+currency] = amount
	return nil
}

func TestCurrency_Provider(t *testing.T) {
	balances := mapBalances{"p1/gold": 50}
	m := newManager(t, nil)

	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencySet, PlayerID: "p1", Currency: "gold", Amount: 7,
		}).WithProvider(balances))
		return nil
	})
	require.True(t, res.Success)
	assert.Equal(t, int64(7), balances["p1/gold"])
}

func TestCurrency_NoStorage(t *testing.T) {
	m := newManager(t, nil)
	res := m.Run(context.Background(), func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencyDeduct, PlayerID: "p1", Currency: "gold", Amount: 1,
		}))
		return nil
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, transaction.ErrNoStorage.Error())
}

func TestInventory_TradeRollsBack(t *testing.T) {
	storage := transaction.NewMemoryStorage()
	ctx := context.Background()
	setBalance(t, storage, "buyer", "gold", "100")
	require.NoError(t, storage.Set(ctx, transaction.InventoryKey("seller", "sword"), "1"))
	m := newManager(t, storage)

	res := m.Run(ctx, func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencyDeduct, PlayerID: "buyer", Currency: "gold", Amount: 60,
		}))
		tx.AddOperation(transaction.NewInventoryOperation(transaction.InventoryData{
			Action: transaction.InventoryRemove, PlayerID: "seller", ItemID: "sword", Quantity: 1,
		}))
		tx.AddOperation(transaction.NewInventoryOperation(transaction.InventoryData{
			Action: transaction.InventoryAdd, PlayerID: "buyer", ItemID: "sword", Quantity: 1,
		}))
		return nil
	})
	require.True(t, res.Success)
	assert.Equal(t, "40", balance(t, storage, "buyer", "gold"))

	// the seller has nothing left, the second trade is rejected up front
	res = m.Run(ctx, func(tx *transaction.Context) error {
		tx.AddOperation(transaction.NewCurrencyOperation(transaction.CurrencyData{
			Action: transaction.CurrencyDeduct, PlayerID: "buyer", Currency: "gold", Amount: 10,
		}))
		tx.AddOperation(transaction.NewInventoryOperation(transaction.InventoryData{
			Action: transaction.InventoryRemove, PlayerID: "seller", ItemID: "sword", Quantity: 1,
		}))
		return nil
	})
	assert.False(t, res.Success)
	assert.Equal(t, transaction.CodeInsufficientItems, res.ErrorCode)
	assert.Equal(t, "40", balance(t, storage, "buyer", "gold"))
}

func TestReject_UnwrapsSentinel(t *testing.T) {
	err := transaction.Reject(transaction.CodeInsufficientBalance, "p1 has 0 gold")
	assert.ErrorIs(t, err, transaction.ErrInsufficientBalance)
	assert.NotErrorIs(t, transaction.Reject("OTHER", "x"), transaction.ErrInsufficientBalance)
}
