// Package registry owns the cache of compiled WASM modules and their
// metadata (spec.md §4.1): O(1) lookup by id, path-based deduplication,
// and atomic metadata persistence.
package registry

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wasmcore/wasmcore/internal/idgen"
	"github.com/wasmcore/wasmcore/internal/wasmengine"
	"github.com/wasmcore/wasmcore/internal/wasmerr"
)

// entry is the in-memory pair a RegistryEntry logically is: a compiled
// module plus the metadata describing it, protected by its own shard
// lock so a path-reload's dual-index swap is atomic to readers.
type entry struct {
	mu       sync.RWMutex
	module   wasmengine.CompiledModule
	metadata Metadata
	// loaded is false for an entry rehydrated from the metadata file at
	// startup whose CompiledModule has not yet been recompiled (the lazy
	// recompilation decision in DESIGN.md's Open Questions section).
	loaded bool
}

// Registry is the Binary Registry of spec.md §4.1. The zero value is not
// usable; construct with New.
type Registry struct {
	logger *zap.Logger
	engine wasmengine.Engine
	store  *metadataStore

	mu       sync.RWMutex // protects byID/byPath map membership, not entry contents
	byID     map[idgen.ID]*entry
	byPath   map[string]idgen.ID
	order    []idgen.ID // insertion order, for List
	loadOnce singleflight.Group
}

// New constructs a Registry backed by engine, persisting metadata at
// metadataPath. It loads any existing metadata file, marking every
// recovered entry as not-yet-recompiled.
func New(ctx context.Context, engine wasmengine.Engine, metadataPath string, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := newMetadataStore(metadataPath)
	if err != nil {
		return nil, wasmerr.Wrap(wasmerr.KindPersistenceError, "Registry.New", err)
	}

	r := &Registry{
		logger: logger,
		engine: engine,
		store:  store,
		byID:   make(map[idgen.ID]*entry),
		byPath: make(map[string]idgen.ID),
	}

	recovered, err := store.load()
	if err != nil {
		return nil, wasmerr.Wrap(wasmerr.KindPersistenceError, "Registry.New", err)
	}
	for _, md := range recovered {
		if _, statErr := os.Stat(md.SourcePath); statErr != nil {
			logger.Warn("recovered binary source path is not accessible",
				zap.String("binary_id", md.ID.String()),
				zap.String("source_path", md.SourcePath),
				zap.Error(statErr))
		}
		r.byID[md.ID] = &entry{metadata: md, loaded: false}
		r.byPath[md.SourcePath] = md.ID
		r.order = append(r.order, md.ID)
	}
	logger.Info("registry metadata loaded",
		zap.Int("binary_count", len(recovered)),
		zap.String("metadata_path", metadataPath))

	return r, nil
}

// Load canonicalizes path, reads and hashes its bytes, and either reuses
// the existing id for that path (if content is unchanged), updates the
// existing entry in place (if content changed, id preserved), or compiles
// and registers a brand-new entry. Concurrent Loads of the same path are
// deduplicated via singleflight so only one compile happens.
func (r *Registry) Load(ctx context.Context, path string) (idgen.ID, error) {
	const op = "Registry.Load"

	canonical, err := filepath.Abs(path)
	if err != nil {
		return idgen.Nil, wasmerr.Wrap(wasmerr.KindIoError, op, err)
	}

	result, err, _ := r.loadOnce.Do(canonical, func() (interface{}, error) {
		return r.loadLocked(ctx, canonical)
	})
	if err != nil {
		return idgen.Nil, err
	}
	return result.(idgen.ID), nil
}

func (r *Registry) loadLocked(ctx context.Context, canonical string) (idgen.ID, error) {
	const op = "Registry.Load"

	data, err := os.ReadFile(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return idgen.Nil, wasmerr.Wrap(wasmerr.KindFileNotFound, op, err)
		}
		return idgen.Nil, wasmerr.Wrap(wasmerr.KindIoError, op, err)
	}
	hash := Hash(sha256.Sum256(data))

	r.mu.RLock()
	existingID, hasPath := r.byPath[canonical]
	r.mu.RUnlock()

	if hasPath {
		r.mu.RLock()
		e := r.byID[existingID]
		r.mu.RUnlock()

		e.mu.RLock()
		sameHash := e.metadata.ContentHash == hash
		e.mu.RUnlock()
		if sameHash && e.loaded {
			return existingID, nil
		}
		if !sameHash && !e.loaded {
			r.logger.Warn("recovered binary content changed since metadata was persisted",
				zap.String("binary_id", existingID.String()),
				zap.String("source_path", canonical))
		}

		module, err := r.engine.Compile(ctx, data)
		if err != nil {
			return idgen.Nil, classifyCompileErr(op, err)
		}

		e.mu.Lock()
		old := e.module
		e.module = module
		e.loaded = true
		e.metadata = Metadata{
			ID:          existingID,
			SourcePath:  canonical,
			ByteSize:    int64(len(data)),
			LoadedAt:    time.Now().UTC(),
			ContentHash: hash,
		}
		e.mu.Unlock()

		if old != nil {
			if closeErr := old.Close(ctx); closeErr != nil {
				r.logger.Warn("closing superseded compiled module", zap.Error(closeErr))
			}
		}

		r.persist()
		return existingID, nil
	}

	module, err := r.engine.Compile(ctx, data)
	if err != nil {
		return idgen.Nil, classifyCompileErr(op, err)
	}
	id, err := idgen.New()
	if err != nil {
		return idgen.Nil, wasmerr.Wrap(wasmerr.KindInternal, op, err)
	}
	md := Metadata{
		ID:          id,
		SourcePath:  canonical,
		ByteSize:    int64(len(data)),
		LoadedAt:    time.Now().UTC(),
		ContentHash: hash,
	}

	r.mu.Lock()
	r.byID[id] = &entry{module: module, metadata: md, loaded: true}
	r.byPath[canonical] = id
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.persist()
	return id, nil
}

// classifyCompileErr preserves an already-classified error's kind (an
// engine may distinguish a malformed module, InvalidWasm, from one that
// is well-formed but fails validation) and otherwise defaults to
// CompilationError.
func classifyCompileErr(op string, err error) *wasmerr.Error {
	var existing *wasmerr.Error
	if errors.As(err, &existing) {
		return wasmerr.Wrap(existing.Kind, op, err)
	}
	return wasmerr.Wrap(wasmerr.KindCompilationError, op, err)
}

// Get returns the CompiledModule for id, lazily recompiling from
// source_path if the entry was only recovered from metadata at startup.
func (r *Registry) Get(ctx context.Context, id idgen.ID) (wasmengine.CompiledModule, error) {
	const op = "Registry.Get"

	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, wasmerr.New(wasmerr.KindBinaryNotFound, op)
	}

	e.mu.RLock()
	module, loaded, path := e.module, e.loaded, e.metadata.SourcePath
	e.mu.RUnlock()
	if loaded {
		return module, nil
	}

	// Lazy recompilation (DESIGN.md Open Questions #2): re-Load the same
	// path, which recomputes the hash, compiles, and installs the module
	// under the existing id.
	if _, err := r.Load(ctx, path); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.module, nil
}

// List returns a snapshot of every live entry's metadata, in insertion
// order.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	ids := make([]idgen.ID, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	out := make([]Metadata, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		e, ok := r.byID[id]
		r.mu.RUnlock()
		if !ok {
			continue // unloaded between the order snapshot and here
		}
		e.mu.RLock()
		out = append(out, e.metadata)
		e.mu.RUnlock()
	}
	return out
}

// Unload removes id from both indexes atomically and schedules
// persistence.
func (r *Registry) Unload(ctx context.Context, id idgen.ID) error {
	const op = "Registry.Unload"

	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return wasmerr.New(wasmerr.KindBinaryNotFound, op)
	}
	delete(r.byID, id)
	delete(r.byPath, e.metadata.SourcePath)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if e.module != nil {
		if err := e.module.Close(ctx); err != nil {
			r.logger.Warn("closing unloaded compiled module", zap.Error(err))
		}
	}

	if err := r.store.save(r.List()); err != nil {
		return wasmerr.Wrap(wasmerr.KindPersistenceError, op, err)
	}
	return nil
}

// persist writes the current metadata snapshot. "Schedule metadata
// persistence" (spec.md §4.1) is honored synchronously here: the write is
// a single temp-then-rename, logged rather than dropped on failure since
// the in-memory state is already committed and correct.
func (r *Registry) persist() {
	if err := r.store.save(r.List()); err != nil {
		r.logger.Error("persisting registry metadata", zap.Error(err))
	}
}

// Close closes the engine-level resources the registry still owns: every
// cached compiled module.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if e.module == nil {
			continue
		}
		if err := e.module.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
