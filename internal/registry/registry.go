// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package registry is the persistent key registry: wrapped key blobs filed
// under UUIDs, each naming the UUID of the key that wraps it. The SRK is the
// implicit root of every hierarchy and is never stored.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-tcsd/pkg/storage"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

const keyPrefix = "keys/"

var (
	ErrExists      = tss.NewError(tss.TCS(tss.EPSKeyExists), "registry: UUID already registered")
	ErrNotFound    = tss.NewError(tss.TCS(tss.EPSKeyNotFound), "registry: UUID not registered")
	ErrNoParent    = tss.NewError(tss.TCS(tss.EPSKeyNotFound), "registry: parent UUID not registered")
	ErrHasChildren = tss.NewError(tss.TCS(tss.EPSBadKeyState), "registry: key still wraps registered keys")
	ErrReserved    = tss.NewError(tss.TCS(tss.EBadParameter), "registry: reserved UUID")
	ErrInvalidBlob = tss.NewError(tss.TCS(tss.TCSEInvalidKey), "registry: unparseable key blob")
)

// encMode uses Core Deterministic Encoding so the same registration always
// produces identical bytes on disk.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	if encMode, err = opts.EncMode(); err != nil {
		panic("registry: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("registry: CBOR decoder initialization failed: " + err.Error())
	}
}

// Record is one registered key.
type Record struct {
	UUID       uuid.UUID `cbor:"uuid"`
	ParentUUID uuid.UUID `cbor:"parent"`
	Blob       []byte    `cbor:"blob"`
	VendorData []byte    `cbor:"vendor,omitempty"`
	Registered time.Time `cbor:"registered"`

	pub []byte
}

// PubKey returns the public modulus of the registered key.
func (r *Record) PubKey() []byte {
	return r.pub
}

// KeyInfo renders the record for key enumeration.
func (r *Record) KeyInfo(version wire.Version, loaded bool) wire.KMKeyInfo {
	var usage uint8
	if kb, err := wire.ParseKeyBlob(r.Blob); err == nil {
		usage = kb.AuthDataUsage
	}
	return wire.KMKeyInfo{
		Version:       version,
		KeyUUID:       wire.UUIDFrom(r.UUID),
		ParentUUID:    wire.UUIDFrom(r.ParentUUID),
		AuthDataUsage: usage,
		IsLoaded:      loaded,
		VendorData:    r.VendorData,
	}
}

// Registry stores records in a storage.Backend.
type Registry struct {
	mu     sync.Mutex
	store  storage.Backend
	logger *slog.Logger
}

// New returns a registry over store.
func New(store storage.Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger.With("component", "registry")}
}

func storageKey(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func isRoot(id uuid.UUID) bool {
	return wire.UUIDFrom(id) == wire.SRKUUID
}

func (r *Registry) get(id uuid.UUID) (*Record, error) {
	raw, err := r.store.Get(storageKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("registry: read %s: %w", id, err)
	}
	rec := &Record{}
	if err := decMode.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("registry: decode %s: %w", id, err)
	}
	kb, err := wire.ParseKeyBlob(rec.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBlob, id, err)
	}
	rec.pub = kb.PubKey
	return rec, nil
}

func (r *Registry) list() ([]*Record, error) {
	keys, err := r.store.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		id, err := uuid.Parse(strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			r.logger.Warn("Skipping foreign registry entry", "key", k)
			continue
		}
		rec, err := r.get(id)
		if err != nil {
			r.logger.Warn("Skipping unreadable registry entry", "uuid", id, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Register files a wrapped key under id. The parent must be the SRK or an
// already registered key.
func (r *Registry) Register(id, parent uuid.UUID, blob, vendorData []byte) error {
	if id == uuid.Nil || isRoot(id) {
		return fmt.Errorf("%w: %s", ErrReserved, id)
	}
	kb, err := wire.ParseKeyBlob(blob)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBlob, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.store.Exists(storageKey(id))
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", id, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	if !isRoot(parent) {
		ok, err := r.store.Exists(storageKey(parent))
		if err != nil {
			return fmt.Errorf("registry: register %s: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoParent, parent)
		}
	}

	rec := &Record{
		UUID:       id,
		ParentUUID: parent,
		Blob:       blob,
		VendorData: vendorData,
		Registered: time.Now().UTC(),
	}
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", id, err)
	}
	if err := r.store.Put(storageKey(id), raw); err != nil {
		return fmt.Errorf("registry: register %s: %w", id, err)
	}
	r.logger.Info("Registered key", "uuid", id, "parent", parent, "key_usage", kb.KeyUsage)
	return nil
}

// Unregister removes id. Keys that still parent registered keys cannot be
// removed.
func (r *Registry) Unregister(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.get(id); err != nil {
		return err
	}
	all, err := r.list()
	if err != nil {
		return err
	}
	for _, rec := range all {
		if rec.ParentUUID == id {
			return fmt.Errorf("%w: %s wraps %s", ErrHasChildren, id, rec.UUID)
		}
	}
	if err := r.store.Delete(storageKey(id)); err != nil {
		return fmt.Errorf("registry: unregister %s: %w", id, err)
	}
	r.logger.Info("Unregistered key", "uuid", id)
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(id uuid.UUID) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(id)
}

// List returns every record, ordered by UUID.
func (r *Registry) List() ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list()
}

// Path returns id's record followed by each ancestor up to, but excluding,
// the SRK.
func (r *Registry) Path(id uuid.UUID) ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var path []*Record
	seen := map[uuid.UUID]bool{}
	for cur := id; !isRoot(cur); {
		if seen[cur] {
			return nil, fmt.Errorf("registry: parent cycle at %s", cur)
		}
		seen[cur] = true
		rec, err := r.get(cur)
		if err != nil {
			return nil, err
		}
		path = append(path, rec)
		cur = rec.ParentUUID
	}
	return path, nil
}

// FindByPublic returns the registered key whose public modulus is pub.
func (r *Registry) FindByPublic(pub []byte) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.list()
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if bytes.Equal(rec.pub, pub) {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: no key with that public part", ErrNotFound)
}

// Close closes the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}
