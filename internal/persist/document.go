package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
)

// Migration upgrades the data of one schema version to the next one.
type Migration func(data json.RawMessage) (json.RawMessage, error)

// FutureVersionError is returned when persisted state was written by a newer
// schema than this build understands. The state is left untouched.
type FutureVersionError struct {
	Key     string
	Version int
	Known   int
}

func (e *FutureVersionError) Error() string {
	return fmt.Sprintf("%s: schema version %d is newer than supported %d", e.Key, e.Version, e.Known)
}

// MissingMigrationError is returned when no migration is registered for a
// persisted version older than the current one.
type MissingMigrationError struct {
	Key  string
	From int
}

func (e *MissingMigrationError) Error() string {
	return fmt.Sprintf("%s: no migration from schema version %d", e.Key, e.From)
}

type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// Document describes a value persisted under a stable key with an embedded
// schema version.
type Document struct {
	Key     string
	Version int
	// Migrations maps a version N to the upgrade N -> N+1.
	Migrations map[int]Migration
}

// Load reads and decodes the document into v, upgrading older versions. It
// reports false when nothing is stored under the key.
func (d Document) Load(ctx context.Context, s Store, v any) (bool, error) {
	raw, err := s.Get(ctx, d.Key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "get %s", d.Key)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, errors.Wrapf(err, "decode envelope %s", d.Key)
	}
	if env.Version > d.Version {
		return false, &FutureVersionError{Key: d.Key, Version: env.Version, Known: d.Version}
	}

	data := env.Data
	for ver := env.Version; ver < d.Version; ver++ {
		m, ok := d.Migrations[ver]
		if !ok {
			return false, &MissingMigrationError{Key: d.Key, From: ver}
		}
		if data, err = m(data); err != nil {
			return false, errors.Wrapf(err, "migrate %s from v%d", d.Key, ver)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", d.Key)
	}
	return true, nil
}

// Save encodes v at the current version and writes it under the key.
func (d Document) Save(ctx context.Context, s Store, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", d.Key)
	}
	raw, err := json.Marshal(envelope{Version: d.Version, Data: data})
	if err != nil {
		return errors.Wrapf(err, "encode envelope %s", d.Key)
	}
	if err := s.Put(ctx, d.Key, raw); err != nil {
		return errors.Wrapf(err, "put %s", d.Key)
	}
	return nil
}

// Remove deletes the document.
func (d Document) Remove(ctx context.Context, s Store) error {
	if err := s.Delete(ctx, d.Key); err != nil {
		return errors.Wrapf(err, "delete %s", d.Key)
	}
	return nil
}
