// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package registry provides a persistent registry of objects in a bbolt database

The package uses JSON to serialize the data. Every value is stored together with
the time it was written.
*/
package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

var bucketName = []byte("_registry_")

// record is the stored representation of a value
type record struct {
	Value     json.RawMessage `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// Registry provides a persistent registry of objects in a bbolt database.
type Registry struct {
	db *bbolt.DB
}

// Open opens (or creates) the database file at path and returns a registry on it.
func Open(path string) (Registry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return Registry{}, fmt.Errorf("cannot open registry '%s': %w", path, err)
	}
	r, err := New(db)
	if err != nil {
		db.Close()
		return Registry{}, err
	}
	return r, nil
}

// New creates a new registry for the specified database
func New(db *bbolt.DB) (Registry, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return Registry{}, fmt.Errorf("cannot create registry bucket: %w", err)
	}
	return Registry{db: db}, nil
}

// MustOpen is like Open but panics on error
func MustOpen(path string) Registry {
	r, err := Open(path)
	if err != nil {
		panic(err)
	}
	return r
}

// Close closes the underlying database
func (r Registry) Close() error {
	return r.db.Close()
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) fullKey(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timpestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(key string, value interface{}) (time.Time, error) {
	key = r.fullKey(key)
	var rec record
	found := false
	err := r.Registry.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	if !found {
		return time.Time{}, nil
	}
	if err = json.Unmarshal(rec.Value, value); err != nil {
		return rec.Timestamp, fmt.Errorf("cannot decode key '%s': %w", key, err)
	}
	return rec.Timestamp, nil
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = r.fullKey(key)
	data, err := json.Marshal(record{Value: body, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	err = r.Registry.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("could not write key %s: %w", key, err)
	}
	return nil
}

// Delete deletes a value from the registry. Deleting a key that does not exist
// is not an error.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(key string) error {
	key = r.fullKey(key)
	return r.Registry.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

// Keys returns all keys of this accessor in sorted order, without the prefix.
func (r Accessor) Keys() ([]string, error) {
	var keys []string
	prefix := ""
	if len(r.Prefix) > 0 {
		prefix = r.Prefix + ":"
	}
	err := r.Registry.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, strings.TrimPrefix(string(k), prefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
