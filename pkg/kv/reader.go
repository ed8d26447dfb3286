package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
)

// ErrRecordedUnavailable is served by Pinned for a key whose original read failed.
var ErrRecordedUnavailable = errors.New("kv: read was unavailable when recorded")

// Ref names the exact version of a key an evaluation read. Version 0 records
// that the key was absent; Unavailable records that the read itself failed.
// ValueHash is the digest of the bytes that were read.
type Ref struct {
	Key         string `json:"key"`
	Version     uint64 `json:"version"`
	ValueHash   string `json:"value_hash,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// Recorder is a Reader that remembers every version it served. Repeated reads
// of a key return the first observed version, so one evaluation sees one snapshot.
type Recorder struct {
	mu     sync.Mutex
	reader Reader
	seen   map[string]*Entry
	refs   map[string]uint64
	failed map[string]error
}

// NewRecorder wraps r.
func NewRecorder(r Reader) *Recorder {
	return &Recorder{
		reader: r,
		seen:   make(map[string]*Entry),
		refs:   make(map[string]uint64),
		failed: make(map[string]error),
	}
}

func (r *Recorder) Get(ctx context.Context, key string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.failed[key]; ok {
		return nil, err
	}
	if v, ok := r.refs[key]; ok {
		if v == 0 {
			return nil, ErrNotFound
		}
		e := copyEntry(*r.seen[key])
		return &e, nil
	}

	e, err := r.reader.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.refs[key] = 0
		} else {
			r.failed[key] = err
		}
		return nil, err
	}
	r.refs[key] = e.Version
	stored := copyEntry(*e)
	r.seen[key] = &stored
	return e, nil
}

// Refs returns the recorded reads sorted by key.
func (r *Recorder) Refs() []Ref {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Ref, 0, len(r.refs)+len(r.failed))
	for k, v := range r.refs {
		ref := Ref{Key: k, Version: v}
		if v > 0 {
			ref.ValueHash = canonicalize.HashBytes(r.seen[k].Value)
		}
		out = append(out, ref)
	}
	for k := range r.failed {
		out = append(out, Ref{Key: k, Unavailable: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Pinned is a Reader that serves only the versions named by a set of refs.
// Any other key is a missing durable reference, and a version whose bytes no
// longer match the recorded digest is tampering.
type Pinned struct {
	store VersionReader
	refs  map[string]Ref
}

// NewPinned builds a reader over recorded refs.
func NewPinned(store VersionReader, refs []Ref) *Pinned {
	m := make(map[string]Ref, len(refs))
	for _, ref := range refs {
		m[ref.Key] = ref
	}
	return &Pinned{store: store, refs: m}
}

func (p *Pinned) Get(ctx context.Context, key string) (*Entry, error) {
	ref, ok := p.refs[key]
	if !ok {
		return nil, &contracts.MissingReferenceError{Key: key}
	}
	if ref.Unavailable {
		return nil, fmt.Errorf("%s: %w", key, ErrRecordedUnavailable)
	}
	version := ref.Version
	if version == 0 {
		return nil, ErrNotFound
	}
	e, err := p.store.GetVersion(ctx, key, version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &contracts.MissingReferenceError{Key: key, Version: version}
		}
		return nil, err
	}
	if ref.ValueHash != "" {
		if actual := canonicalize.HashBytes(e.Value); actual != ref.ValueHash {
			return nil, &contracts.TamperError{
				Field:    fmt.Sprintf("%s@%d", key, version),
				Expected: ref.ValueHash,
				Actual:   actual,
			}
		}
	}
	return e, nil
}
