package transaction

import (
	"context"
	"fmt"
)

type InventoryAction string

const (
	InventoryAdd    InventoryAction = "add"
	InventoryRemove InventoryAction = "remove"
)

// ItemProvider is the game's own inventory source
type ItemProvider interface {
	GetItemCount(ctx context.Context, playerID, itemID string) (int64, error)
	SetItemCount(ctx context.Context, playerID, itemID string, count int64) error
}

type InventoryData struct {
	Action   InventoryAction
	PlayerID string
	ItemID   string
	Quantity int64
}

// InventoryOperation adds or removes a quantity of one item stack
type InventoryOperation struct {
	data     InventoryData
	provider ItemProvider

	executed bool
	before   int64
}

func NewInventoryOperation(data InventoryData) *InventoryOperation {
	return &InventoryOperation{data: data}
}

func (o *InventoryOperation) WithProvider(p ItemProvider) *InventoryOperation {
	o.provider = p
	return o
}

func (o *InventoryOperation) Name() string {
	return fmt.Sprintf("inventory:%s:%s:%s", o.data.Action, o.data.PlayerID, o.data.ItemID)
}

// InventoryKey is the storage key holding an item count
func InventoryKey(playerID, itemID string) string {
	return fmt.Sprintf("player:%s:inventory:%s", playerID, itemID)
}

func (o *InventoryOperation) Validate(ctx context.Context, tx *Context) error {
	if o.data.Quantity <= 0 {
		return Reject(CodeValidationFailed, "quantity must be positive, got %d", o.data.Quantity)
	}
	switch o.data.Action {
	case InventoryAdd:
		return nil
	case InventoryRemove:
		count, err := o.count(ctx, tx)
		if err != nil {
			return err
		}
		if count < o.data.Quantity {
			return Reject(CodeInsufficientItems, "%s has %d %s, needs %d", o.data.PlayerID, count, o.data.ItemID, o.data.Quantity)
		}
		return nil
	}
	return Reject(CodeValidationFailed, "unknown inventory action %q", o.data.Action)
}

func (o *InventoryOperation) Execute(ctx context.Context, tx *Context) OperationResult {
	before, err := o.count(ctx, tx)
	if err != nil {
		return Fail(CodeExecutionFailed, "read inventory: %v", err)
	}
	after := before + o.data.Quantity
	if o.data.Action == InventoryRemove {
		if before < o.data.Quantity {
			return Fail(CodeInsufficientItems, "%s has %d %s, needs %d", o.data.PlayerID, before, o.data.ItemID, o.data.Quantity)
		}
		after = before - o.data.Quantity
	}
	if err := o.setCount(ctx, tx, after); err != nil {
		return Fail(CodeExecutionFailed, "write inventory: %v", err)
	}
	o.executed = true
	o.before = before
	tx.Set(o.Name()+":before", before)
	tx.Set(o.Name()+":after", after)
	return Ok(after)
}

func (o *InventoryOperation) Compensate(ctx context.Context, tx *Context) error {
	if !o.executed {
		return nil
	}
	if err := o.setCount(ctx, tx, o.before); err != nil {
		return err
	}
	o.executed = false
	return nil
}

func (o *InventoryOperation) count(ctx context.Context, tx *Context) (int64, error) {
	if o.provider != nil {
		return o.provider.GetItemCount(ctx, o.data.PlayerID, o.data.ItemID)
	}
	return readInt(ctx, tx, InventoryKey(o.data.PlayerID, o.data.ItemID))
}

func (o *InventoryOperation) setCount(ctx context.Context, tx *Context, n int64) error {
	if o.provider != nil {
		return o.provider.SetItemCount(ctx, o.data.PlayerID, o.data.ItemID, n)
	}
	return writeInt(ctx, tx, InventoryKey(o.data.PlayerID, o.data.ItemID), n)
}

// Func adapts plain functions to Operation. Nil functions are no-ops that succeed.
type Func struct {
	OpName       string
	ValidateFn   func(ctx context.Context, tx *Context) error
	ExecuteFn    func(ctx context.Context, tx *Context) OperationResult
	CompensateFn func(ctx context.Context, tx *Context) error
}

func (f *Func) Name() string {
	return f.OpName
}

func (f *Func) Validate(ctx context.Context, tx *Context) error {
	if f.ValidateFn == nil {
		return nil
	}
	return f.ValidateFn(ctx, tx)
}

func (f *Func) Execute(ctx context.Context, tx *Context) OperationResult {
	if f.ExecuteFn == nil {
		return Ok(nil)
	}
	return f.ExecuteFn(ctx, tx)
}

func (f *Func) Compensate(ctx context.Context, tx *Context) error {
	if f.CompensateFn == nil {
		return nil
	}
	return f.CompensateFn(ctx, tx)
}
