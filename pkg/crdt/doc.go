// Package crdt holds the server-side replica of a collaborative document.
//
// The editor produces CRDT updates that are idempotent and commutative when
// applied on clients. The server does not interpret them: it keeps the set of
// distinct updates it has seen, keyed by their BLAKE3 hash. Applying an update
// twice is a no-op and merging two replicas is set union, so replicas that saw
// the same updates in any order hold the same state and encode to the same
// bytes.
package crdt

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"

	"notecollab/pkg/codec"
)

const snapshotVersion = 1

var (
	ErrEmptyUpdate        = errors.New("crdt: empty update")
	ErrUnsupportedVersion = errors.New("crdt: unsupported snapshot version")
)

// UpdateID identifies an update by the BLAKE3 hash of its bytes.
type UpdateID [32]byte

func (id UpdateID) String() string {
	return hex.EncodeToString(id[:])
}

// HashUpdate returns the identity of update.
func HashUpdate(update []byte) UpdateID {
	return blake3.Sum256(update)
}

type snapshot struct {
	Version uint     `cbor:"1,keyasint"`
	Updates [][]byte `cbor:"2,keyasint"`
}

// Doc is a grow-only set of updates. It is not safe for concurrent use; the
// owning session serializes access.
type Doc struct {
	updates map[UpdateID][]byte
	size    int64
}

// New returns an empty document.
func New() *Doc {
	return &Doc{updates: make(map[UpdateID][]byte)}
}

// Decode rebuilds a document from Encode output. Empty input yields an empty
// document.
func Decode(data []byte) (*Doc, error) {
	d := New()
	if len(data) == 0 {
		return d, nil
	}
	if _, err := d.MergeEncoded(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply adds update to the set. It reports false when the update was already
// present.
func (d *Doc) Apply(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, ErrEmptyUpdate
	}
	return d.add(HashUpdate(update), update), nil
}

func (d *Doc) add(id UpdateID, update []byte) bool {
	if _, ok := d.updates[id]; ok {
		return false
	}
	d.updates[id] = bytes.Clone(update)
	d.size += int64(len(update))
	return true
}

// Has reports whether update has been applied.
func (d *Doc) Has(update []byte) bool {
	_, ok := d.updates[HashUpdate(update)]
	return ok
}

// Merge folds other into d and returns the updates d did not have, in hash
// order.
func (d *Doc) Merge(other *Doc) [][]byte {
	var added []UpdateID
	for id, update := range other.updates {
		if d.add(id, update) {
			added = append(added, id)
		}
	}
	return d.collect(added)
}

// MergeEncoded decodes a snapshot and merges it into d.
func (d *Doc) MergeEncoded(data []byte) ([][]byte, error) {
	var snap snapshot
	if err := codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("crdt: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}

	var added []UpdateID
	for _, update := range snap.Updates {
		if len(update) == 0 {
			return nil, ErrEmptyUpdate
		}
		id := HashUpdate(update)
		if d.add(id, update) {
			added = append(added, id)
		}
	}
	return d.collect(added), nil
}

// Encode returns the deterministic encoding of the full state.
func (d *Doc) Encode() ([]byte, error) {
	snap := snapshot{Version: snapshotVersion, Updates: d.Updates()}
	data, err := codec.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode snapshot: %w", err)
	}
	return data, nil
}

// Updates returns every update in hash order. The slices are shared with
// the document and must not be modified.
func (d *Doc) Updates() [][]byte {
	return d.collect(d.ids())
}

// Len returns the number of distinct updates.
func (d *Doc) Len() int {
	return len(d.updates)
}

// Size returns the total payload size of all updates in bytes.
func (d *Doc) Size() int64 {
	return d.size
}

// StateHash summarizes the set of updates. Two documents with equal hashes
// hold the same updates.
func (d *Doc) StateHash() UpdateID {
	h := blake3.New()
	for _, id := range d.ids() {
		_, _ = h.Write(id[:])
	}
	var out UpdateID
	copy(out[:], h.Sum(nil))
	return out
}

// Clone returns an independent copy of d.
func (d *Doc) Clone() *Doc {
	c := &Doc{updates: make(map[UpdateID][]byte, len(d.updates)), size: d.size}
	for id, update := range d.updates {
		c.updates[id] = update
	}
	return c
}

func (d *Doc) ids() []UpdateID {
	ids := make([]UpdateID, 0, len(d.updates))
	for id := range d.updates {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b UpdateID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}

func (d *Doc) collect(ids []UpdateID) [][]byte {
	if len(ids) == 0 {
		return nil
	}
	slices.SortFunc(ids, func(a, b UpdateID) int {
		return bytes.Compare(a[:], b[:])
	})
	out := make([][]byte, len(ids))
	for i, id := range ids {
		out[i] = d.updates[id]
	}
	return out
}
