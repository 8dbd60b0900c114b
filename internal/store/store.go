package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Appliance operations
	SaveAppliance(app *Appliance) error
	GetAppliance(id uint64) (*Appliance, error)
	DeleteAppliance(id uint64) error
	ListAppliances() ([]*Appliance, error)

	// UpdateAppliance atomically reads, modifies, and saves an appliance in a
	// single transaction. Returns ErrNotFound if the appliance does not exist.
	UpdateAppliance(id uint64, fn func(app *Appliance) error) error

	// Attribute snapshots
	SaveState(id uint64, attrs map[string]any) error
	GetState(id uint64) (map[string]any, error)

	// Close the store
	Close() error
}
