package admission

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

func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// GetSettings returns the singleton engine settings row, creating it with
// defaults on first use.
func (d *Database) GetSettings() (*types.EngineSettings, error) {
	var settings types.EngineSettings
	if err := d.db.First(&settings).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			settings = types.EngineSettings{}
			if err := d.db.Create(&settings).Error; err != nil {
				return nil, err
			}
			return &settings, nil
		}
		return nil, err
	}
	return &settings, nil
}

func (d *Database) SaveSettings(settings *types.EngineSettings) error {
	return d.db.Save(settings).Error
}

func (d *Database) IsAuthorizedTaker(address string) (bool, error) {
	var taker types.AuthorizedTaker
	if err := d.db.Where("address = ?", address).First(&taker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *Database) AuthorizeTaker(address string) error {
	ok, err := d.IsAuthorizedTaker(address)
	if err != nil || ok {
		return err
	}
	return d.db.Create(&types.AuthorizedTaker{Address: address}).Error
}

func (d *Database) DeauthorizeTaker(address string) error {
	return d.db.Where("address = ?", address).Delete(&types.AuthorizedTaker{}).Error
}
