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

// Package keycache maps the stable key handles given to clients onto the
// handful of key slots a TPM 1.2 provides. Keys are loaded lazily, parents
// first, and idle keys are swapped out least recently used first when the
// chip runs out of slots.
//
// Entries live in a single table keyed by logical handle and refer to their
// parent by handle, so evicting a parent can find and invalidate every child
// without pointer cycles.
//
// A Cache is not safe for concurrent use; the command service holds its
// device lock around every call.
package keycache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/jeremyhahn/go-tcsd/internal/device"
	"github.com/jeremyhahn/go-tcsd/pkg/metrics"
	"github.com/jeremyhahn/go-tcsd/pkg/tss"
	"github.com/jeremyhahn/go-tcsd/pkg/wire"
)

// Handle is a client-visible key handle. It stays valid while the key is
// swapped in and out of device slots.
type Handle uint32

// SRK is the logical handle of the storage root key. It equals the device
// handle and is always resident.
const SRK = Handle(device.SRKHandle)

const unloaded device.Handle = 0

var (
	ErrUnknownKey  = tss.NewError(tss.TCS(tss.TCSEInvalidKeyHandle), "keycache: unknown key handle")
	ErrNotOwner    = tss.NewError(tss.TCS(tss.TCSEInvalidKeyHandle), "keycache: key not held by this context")
	ErrInvalidKey  = tss.NewError(tss.TCS(tss.TCSEInvalidKey), "keycache: unparseable key blob")
	ErrKeyInUse    = tss.NewError(tss.TCS(tss.EFail), "keycache: key is in use")
	ErrPinned      = tss.NewError(tss.TCS(tss.EFail), "keycache: key is pinned")
	ErrNoSlot      = tss.NewError(tss.TCS(tss.TCSEKMLoadFailed), "keycache: no evictable key slot")
	ErrUnknownSlot = tss.NewError(tss.TCS(tss.TCSEInvalidKeyHandle), "keycache: no key in slot")
)

// Entry is one cached key.
type Entry struct {
	Handle      Handle
	Parent      Handle
	Slot        device.Handle
	Blob        []byte
	PubKey      []byte
	Fingerprint [32]byte
	UUID        wire.UUID
	AuthUsage   uint8

	refs     int
	lastUsed uint64
	owners   map[uint32]struct{}
	pinned   bool
}

// Loaded reports whether the key occupies a device slot.
func (e *Entry) Loaded() bool {
	return e.Slot != unloaded
}

// Refs returns the number of in-flight operations using the key.
func (e *Entry) Refs() int {
	return e.refs
}

// Pinned reports whether the key is exempt from eviction.
func (e *Entry) Pinned() bool {
	return e.pinned
}

// OwnedBy reports whether owner holds the key.
func (e *Entry) OwnedBy(owner uint32) bool {
	_, ok := e.owners[owner]
	return ok
}

// Fingerprint returns the blake3 digest used to index public keys.
func Fingerprint(pub []byte) [32]byte {
	return blake3.Sum256(pub)
}

// Cache is the key handle table.
type Cache struct {
	dev     device.Device
	slots   int
	entries map[Handle]*Entry
	byPub   map[[32]byte][]Handle
	next    Handle
	clock   uint64
	logger  *slog.Logger
}

// New returns a cache for a device with the given number of key slots.
func New(dev device.Device, slots int, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		dev:     dev,
		slots:   slots,
		entries: make(map[Handle]*Entry),
		byPub:   make(map[[32]byte][]Handle),
		next:    0x00000000,
		logger:  logger.With("component", "keycache"),
	}
	c.entries[SRK] = &Entry{
		Handle: SRK,
		Parent: SRK,
		Slot:   device.SRKHandle,
		UUID:   wire.SRKUUID,
		owners: map[uint32]struct{}{},
		pinned: true,
	}
	return c
}

// Len returns the number of cached keys, including the SRK.
func (c *Cache) Len() int {
	return len(c.entries)
}

// LoadedCount returns the number of keys occupying device slots. The SRK is
// not counted.
func (c *Cache) LoadedCount() int {
	n := 0
	for h, e := range c.entries {
		if h != SRK && e.Loaded() {
			n++
		}
	}
	return n
}

// Lookup returns the entry for h.
func (c *Cache) Lookup(h Handle) (*Entry, bool) {
	e, ok := c.entries[h]
	return e, ok
}

func (c *Cache) touch(e *Entry) {
	c.clock++
	e.lastUsed = c.clock
}

func (c *Cache) allocHandle() Handle {
	for {
		c.next++
		if c.next == 0 || c.next == SRK {
			continue
		}
		if _, taken := c.entries[c.next]; !taken {
			return c.next
		}
	}
}

// Add records a wrapped key under parent for owner and returns its handle.
// The key is not loaded. Adding a key whose public part and parent match an
// existing entry returns that entry's handle.
func (c *Cache) Add(owner uint32, parent Handle, blob []byte, id wire.UUID) (Handle, error) {
	if _, ok := c.entries[parent]; !ok {
		return 0, fmt.Errorf("%w: parent 0x%08x", ErrUnknownKey, uint32(parent))
	}
	kb, err := wire.ParseKeyBlob(blob)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	fp := Fingerprint(kb.PubKey)
	for _, h := range c.byPub[fp] {
		if e := c.entries[h]; e.Parent == parent && bytes.Equal(e.PubKey, kb.PubKey) {
			e.owners[owner] = struct{}{}
			if e.UUID == wire.NullUUID {
				e.UUID = id
			}
			return e.Handle, nil
		}
	}
	e := &Entry{
		Handle:      c.allocHandle(),
		Parent:      parent,
		Blob:        append([]byte(nil), blob...),
		PubKey:      kb.PubKey,
		Fingerprint: fp,
		UUID:        id,
		AuthUsage:   kb.AuthDataUsage,
		owners:      map[uint32]struct{}{owner: {}},
	}
	c.entries[e.Handle] = e
	c.byPub[fp] = append(c.byPub[fp], e.Handle)
	metrics.SetCachedKeys(len(c.entries), c.LoadedCount())
	return e.Handle, nil
}

// FindByPublic returns a cached key with the given public modulus.
func (c *Cache) FindByPublic(pub []byte) (*Entry, bool) {
	for _, h := range c.byPub[Fingerprint(pub)] {
		if e := c.entries[h]; bytes.Equal(e.PubKey, pub) {
			return e, true
		}
	}
	return nil, false
}

func (c *Cache) forget(e *Entry) {
	delete(c.entries, e.Handle)
	hs := c.byPub[e.Fingerprint]
	for i, h := range hs {
		if h == e.Handle {
			hs = append(hs[:i], hs[i+1:]...)
			break
		}
	}
	if len(hs) == 0 {
		delete(c.byPub, e.Fingerprint)
	} else {
		c.byPub[e.Fingerprint] = hs
	}
}

// FindByUUID returns the cached key loaded from the given registry UUID.
func (c *Cache) FindByUUID(id wire.UUID) (*Entry, bool) {
	if id == wire.NullUUID {
		return nil, false
	}
	for _, e := range c.entries {
		if e.UUID == id {
			return e, true
		}
	}
	return nil, false
}

// EnsureLoaded makes h resident, loading its ancestors as needed, and takes
// a reference that keeps it resident until Release. auth, if not nil,
// authorizes loading h itself when a load is needed; ancestor loads are
// unauthorized.
func (c *Cache) EnsureLoaded(ctx context.Context, h Handle, auth *wire.Auth) (device.Handle, error) {
	slot, _, err := c.LoadAuthorized(ctx, h, auth)
	return slot, err
}

// LoadAuthorized is EnsureLoaded that also reports whether the device
// received a LoadKey2 for h itself carrying auth. issued is false when h was
// already resident or when loading failed on an ancestor or an eviction, in
// which case the device never saw the session.
func (c *Cache) LoadAuthorized(ctx context.Context, h Handle, auth *wire.Auth) (slot device.Handle, issued bool, err error) {
	e, ok := c.entries[h]
	if !ok {
		return 0, false, fmt.Errorf("%w: 0x%08x", ErrUnknownKey, uint32(h))
	}
	if e.Loaded() {
		e.refs++
		c.touch(e)
		return e.Slot, false, nil
	}

	parentSlot, err := c.EnsureLoaded(ctx, e.Parent, nil)
	if err != nil {
		return 0, false, err
	}
	defer c.Release(e.Parent)

	if c.LoadedCount() >= c.slots {
		if err := c.evictLRU(ctx); err != nil {
			return 0, false, err
		}
	}
	for {
		slot, err := c.dev.LoadKey2(ctx, parentSlot, e.Blob, auth)
		if device.IsNoSpace(err) {
			// The chip is fuller than our count, e.g. keys loaded by
			// another stack. Keep evicting until it fits or nothing can go.
			if everr := c.evictLRU(ctx); everr != nil {
				return 0, false, everr
			}
			continue
		}
		if err != nil {
			metrics.RecordKeyLoad(false)
			return 0, true, err
		}
		e.Slot = slot
		e.refs++
		c.touch(e)
		metrics.RecordKeyLoad(true)
		metrics.SetCachedKeys(len(c.entries), c.LoadedCount())
		c.logger.Debug("Loaded key",
			"handle", fmt.Sprintf("0x%08x", uint32(h)),
			"slot", fmt.Sprintf("0x%08x", uint32(slot)))
		return slot, true, nil
	}
}

// Release drops one reference taken by EnsureLoaded. The key stays resident
// until its slot is needed.
func (c *Cache) Release(h Handle) {
	if e, ok := c.entries[h]; ok && e.refs > 0 {
		e.refs--
	}
}

func (c *Cache) evictLRU(ctx context.Context) error {
	var victim *Entry
	for _, e := range c.entries {
		if e.Handle == SRK || !e.Loaded() || e.pinned || e.refs > 0 {
			continue
		}
		if victim == nil || e.lastUsed < victim.lastUsed {
			victim = e
		}
	}
	if victim == nil {
		return fmt.Errorf("%w: %d slots all referenced", ErrNoSlot, c.slots)
	}
	if err := c.dev.EvictKey(ctx, victim.Slot); err != nil && !tss.Is(err, tss.TPMInvalidKeyHandle) {
		return fmt.Errorf("keycache: evict slot 0x%08x: %w", uint32(victim.Slot), err)
	}
	c.logger.Debug("Swapped out idle key",
		"handle", fmt.Sprintf("0x%08x", uint32(victim.Handle)),
		"slot", fmt.Sprintf("0x%08x", uint32(victim.Slot)))
	victim.Slot = unloaded
	metrics.RecordKeyEviction()
	return nil
}

func (c *Cache) children(h Handle) []*Entry {
	var out []*Entry
	for _, e := range c.entries {
		if e.Parent == h && e.Handle != h {
			out = append(out, e)
		}
	}
	return out
}

func (c *Cache) treeInUse(e *Entry) bool {
	if e.refs > 0 {
		return true
	}
	for _, child := range c.children(e.Handle) {
		if c.treeInUse(child) {
			return true
		}
	}
	return false
}

// unloadTree removes e and all of its descendants from the device.
func (c *Cache) unloadTree(ctx context.Context, e *Entry) error {
	for _, child := range c.children(e.Handle) {
		if err := c.unloadTree(ctx, child); err != nil {
			return err
		}
	}
	if !e.Loaded() {
		return nil
	}
	if err := c.dev.EvictKey(ctx, e.Slot); err != nil && !tss.Is(err, tss.TPMInvalidKeyHandle) {
		return fmt.Errorf("keycache: evict slot 0x%08x: %w", uint32(e.Slot), err)
	}
	e.Slot = unloaded
	return nil
}

// EvictByHandle unloads h from the device and invalidates every cached
// descendant. The entries remain and will be reloaded on demand.
func (c *Cache) EvictByHandle(ctx context.Context, h Handle) error {
	e, ok := c.entries[h]
	if !ok {
		return fmt.Errorf("%w: 0x%08x", ErrUnknownKey, uint32(h))
	}
	if e.pinned {
		return fmt.Errorf("%w: 0x%08x", ErrPinned, uint32(h))
	}
	if c.treeInUse(e) {
		return fmt.Errorf("%w: 0x%08x", ErrKeyInUse, uint32(h))
	}
	err := c.unloadTree(ctx, e)
	metrics.SetCachedKeys(len(c.entries), c.LoadedCount())
	return err
}

// EvictBySlot is EvictByHandle for the key currently occupying slot.
func (c *Cache) EvictBySlot(ctx context.Context, slot device.Handle) error {
	if slot == unloaded {
		return ErrUnknownSlot
	}
	for _, e := range c.entries {
		if e.Slot == slot {
			return c.EvictByHandle(ctx, e.Handle)
		}
	}
	return fmt.Errorf("%w: 0x%08x", ErrUnknownSlot, uint32(slot))
}

// SetPinned marks h as exempt from (or again subject to) eviction.
func (c *Cache) SetPinned(h Handle, pinned bool) error {
	e, ok := c.entries[h]
	if !ok {
		return fmt.Errorf("%w: 0x%08x", ErrUnknownKey, uint32(h))
	}
	if h == SRK {
		return nil
	}
	e.pinned = pinned
	return nil
}

// Remove drops owner's claim on h and unloads it. Entries nobody holds and
// nothing descends from are forgotten.
func (c *Cache) Remove(ctx context.Context, owner uint32, h Handle) error {
	e, ok := c.entries[h]
	if !ok || h == SRK {
		return fmt.Errorf("%w: 0x%08x", ErrUnknownKey, uint32(h))
	}
	if !e.OwnedBy(owner) {
		return fmt.Errorf("%w: 0x%08x", ErrNotOwner, uint32(h))
	}
	if c.treeInUse(e) {
		return fmt.Errorf("%w: 0x%08x", ErrKeyInUse, uint32(h))
	}
	delete(e.owners, owner)
	if len(e.owners) == 0 {
		e.pinned = false
		if err := c.unloadTree(ctx, e); err != nil {
			return err
		}
	}
	c.collect(ctx)
	return nil
}

// ReleaseContext drops every claim owner holds and forgets keys nobody else
// holds.
func (c *Cache) ReleaseContext(ctx context.Context, owner uint32) {
	for _, e := range c.entries {
		delete(e.owners, owner)
	}
	c.collect(ctx)
}

// collect forgets unowned leaf entries until none remain, evicting any that
// are still loaded.
func (c *Cache) collect(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for h, e := range c.entries {
			if h == SRK || len(e.owners) > 0 || e.refs > 0 || len(c.children(h)) > 0 {
				continue
			}
			if e.Loaded() {
				if err := c.dev.EvictKey(ctx, e.Slot); err != nil && !tss.Is(err, tss.TPMInvalidKeyHandle) {
					c.logger.Warn("Failed to evict released key",
						"handle", fmt.Sprintf("0x%08x", uint32(h)), "error", err)
				}
			}
			c.forget(e)
			changed = true
		}
	}
	metrics.SetCachedKeys(len(c.entries), c.LoadedCount())
}
