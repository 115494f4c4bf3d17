package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/audiosync/internal/catalog"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.audiosync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket     = []byte("app")
	deviceKey     = []byte("device")
	catalogBucket = []byte("catalog")
)

// DeviceState records what was last learned about the device.
type DeviceState struct {
	Project  string    `json:"project"`
	Version  string    `json:"version"`
	ESPIDF   string    `json:"esp_idf"`
	SyncedAt time.Time `json:"synced_at"`
}

// State wraps a bbolt database holding the catalog snapshot.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(catalogBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Device returns the last recorded device state. The zero value is
// returned when nothing has been recorded.
func (s *State) Device() (DeviceState, error) {
	var ds DeviceState

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(deviceKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &ds)
	})

	return ds, err
}

// SetDevice persists the device state.
func (s *State) SetDevice(ds DeviceState) error {
	data, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("marshalling device state: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(deviceKey, data)
	})
}

// SaveCatalog replaces the stored catalog with records. Listing order
// is preserved.
func (s *State) SaveCatalog(records []catalog.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(catalogBucket); err != nil {
			return fmt.Errorf("clearing catalog: %w", err)
		}

		b, err := tx.CreateBucket(catalogBucket)
		if err != nil {
			return fmt.Errorf("creating catalog bucket: %w", err)
		}

		for i, r := range records {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshalling %s: %w", r.Path, err)
			}

			if err := b.Put(seqKey(uint64(i)), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadCatalog returns the stored catalog in listing order.
func (s *State) LoadCatalog() ([]catalog.Record, error) {
	var records []catalog.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(catalogBucket).ForEach(func(_, v []byte) error {
			var r catalog.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			records = append(records, r)

			return nil
		})
	})

	return records, err
}

// CatalogCount returns the number of stored catalog records.
func (s *State) CatalogCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(catalogBucket).Stats().KeyN

		return nil
	})

	return count
}

// seqKey encodes i big-endian so bbolt iterates keys in insertion order.
func seqKey(i uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, i)

	return key
}
