package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAppliances = []byte("appliances")
	bucketState      = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAppliances, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func applianceKey(id uint64) []byte {
	return []byte(strconv.FormatUint(id, 10))
}

func (s *BoltStore) SaveAppliance(app *Appliance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliances)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAppliances)
		}
		data, err := json.Marshal(toStorage(app))
		if err != nil {
			return err
		}
		return b.Put(applianceKey(app.ID), data)
	})
}

func (s *BoltStore) GetAppliance(id uint64) (*Appliance, error) {
	var app Appliance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliances)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAppliances)
		}
		data := b.Get(applianceKey(id))
		if data == nil {
			return fmt.Errorf("appliance %d: %w", id, ErrNotFound)
		}
		var st applianceStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		app = fromStorage(st)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *BoltStore) DeleteAppliance(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliances)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAppliances)
		}
		if err := b.Delete(applianceKey(id)); err != nil {
			return err
		}
		if sb := tx.Bucket(bucketState); sb != nil {
			return sb.Delete(applianceKey(id))
		}
		return nil
	})
}

func (s *BoltStore) ListAppliances() ([]*Appliance, error) {
	var appliances []*Appliance
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliances)
		if b == nil {
			return nil // no bucket = no appliances
		}
		appliances = make([]*Appliance, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st applianceStorage
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			app := fromStorage(st)
			appliances = append(appliances, &app)
			return nil
		})
	})
	return appliances, err
}

func (s *BoltStore) UpdateAppliance(id uint64, fn func(app *Appliance) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAppliances)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAppliances)
		}
		data := b.Get(applianceKey(id))
		if data == nil {
			return fmt.Errorf("appliance %d: %w", id, ErrNotFound)
		}
		var st applianceStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		app := fromStorage(st)
		if err := fn(&app); err != nil {
			return err
		}
		updated, err := json.Marshal(toStorage(&app))
		if err != nil {
			return err
		}
		return b.Put(applianceKey(id), updated)
	})
}

func (s *BoltStore) SaveState(id uint64, attrs map[string]any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		return b.Put(applianceKey(id), data)
	})
}

func (s *BoltStore) GetState(id uint64) (map[string]any, error) {
	var attrs map[string]any
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data := b.Get(applianceKey(id))
		if data == nil {
			return fmt.Errorf("state %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &attrs)
	})
	if err != nil {
		return nil, err
	}
	return attrs, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
