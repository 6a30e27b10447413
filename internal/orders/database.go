package orders

import (
	"errors"

	"gorm.io/gorm"

	"github.com/ksred/twap-gate/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a database bound to the given transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) GetParameters(orderID string) (*types.OrderParameters, error) {
	var params types.OrderParameters
	if err := d.db.Where("order_id = ?", orderID).First(&params).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &params, nil
}

func (d *Database) CreateParameters(params *types.OrderParameters) error {
	return d.db.Create(params).Error
}

func (d *Database) GetExecutionState(orderID string) (*types.ExecutionState, error) {
	var state types.ExecutionState
	if err := d.db.Where("order_id = ?", orderID).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (d *Database) CreateExecutionState(state *types.ExecutionState) error {
	return d.db.Create(state).Error
}

func (d *Database) SaveExecutionState(state *types.ExecutionState) error {
	return d.db.Save(state).Error
}

func (d *Database) CreateFill(fill *types.FillRecord) error {
	return d.db.Create(fill).Error
}

func (d *Database) GetFills(orderID string) ([]types.FillRecord, error) {
	var fills []types.FillRecord
	if err := d.db.Where("order_id = ?", orderID).Order("executed_at asc").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}
