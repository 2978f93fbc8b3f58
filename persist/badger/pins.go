package badger

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"
	"go.sia.tech/carpd/pin"
)

// PutPin stores a pin record, replacing any existing record with the same id.
func (s *Store) PutPin(rec pin.Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rec.ID), buf)
	})
}

// GetPin returns the pin record with the given id.
func (s *Store) GetPin(id string) (rec pin.Record, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return pin.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return
}

// DeletePin removes the pin record with the given id. Deleting a record that
// does not exist is not an error.
func (s *Store) DeletePin(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(id))
	})
}

// ListPins returns every pin record in the store.
func (s *Store) ListPins() (records []pin.Record, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec pin.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return
}
