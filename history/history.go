// Package history journals submitted operations and caches user
// preferences over a datastore, the layer's opaque key-value capability.
package history

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
)

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = fmt.Errorf("record not found")

	txnsPrefix  = datastore.NewKey("/txns")
	prefsPrefix = datastore.NewKey("/prefs")
)

// Record is one journaled operation outcome.
type Record struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Hash        string    `json:"hash,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store persists operation history.
type Store struct {
	ds datastore.Datastore
}

// NewStore creates a store over the given datastore.
func NewStore(ds datastore.Datastore) *Store {
	return &Store{ds: ds}
}

// Save writes a record, overwriting any prior version.
func (s *Store) Save(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %v", err)
	}
	return s.ds.Put(txnsPrefix.ChildString(rec.ID), val)
}

// Get reads one record.
func (s *Store) Get(id string) (Record, error) {
	val, err := s.ds.Get(txnsPrefix.ChildString(id))
	if err == datastore.ErrNotFound {
		return Record{}, ErrNotFound
	} else if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding record: %v", err)
	}
	return rec, nil
}

// List returns all records, newest first.
func (s *Store) List() ([]Record, error) {
	res, err := s.ds.Query(query.Query{Prefix: txnsPrefix.String()})
	if err != nil {
		return nil, err
	}
	defer res.Close()
	var recs []Record
	for e := range res.Next() {
		if e.Error != nil {
			return nil, e.Error
		}
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding record: %v", err)
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete removes one record.
func (s *Store) Delete(id string) error {
	return s.ds.Delete(txnsPrefix.ChildString(id))
}

// Preferences caches user preferences.
type Preferences struct {
	ds datastore.Datastore
}

// NewPreferences creates a preference cache over the given datastore.
func NewPreferences(ds datastore.Datastore) *Preferences {
	return &Preferences{ds: ds}
}

// Get reads a preference. The second return is false when unset.
func (p *Preferences) Get(key string) (string, bool, error) {
	val, err := p.ds.Get(prefsPrefix.ChildString(key))
	if err == datastore.ErrNotFound {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return string(val), true, nil
}

// Set writes a preference.
func (p *Preferences) Set(key, value string) error {
	return p.ds.Put(prefsPrefix.ChildString(key), []byte(value))
}

// Remove deletes a preference.
func (p *Preferences) Remove(key string) error {
	err := p.ds.Delete(prefsPrefix.ChildString(key))
	if err == datastore.ErrNotFound {
		return nil
	}
	return err
}
