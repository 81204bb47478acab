// Package manifest persists the metadata and file-set history of a region
// as an append-only sequence of action lists in an object store.
package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/objectstore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Options struct {
	Store objectstore.ObjectStore
	// Dir is the manifest directory relative to the store root.
	Dir    string
	Logger *slog.Logger
	Tracer trace.Tracer
}

// RegionManifest is the manifest of one region. Delta records are named by
// their version (%020d.json); the optional checkpoint folds every record up
// to a version into one object.
type RegionManifest struct {
	store  objectstore.ObjectStore
	dir    string
	logger *slog.Logger
	tracer trace.Tracer

	mu sync.Mutex
	// next version to assign
	lastVersion uint64
	// highest version folded into the checkpoint, valid when hasCheckpoint
	checkpointVersion uint64
	hasCheckpoint     bool
}

// Open loads the manifest state from the store. A malformed final record,
// left by an interrupted update, is removed so the next update reuses its
// version.
func Open(ctx context.Context, opts Options) (*RegionManifest, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("manifest")
	}
	m := &RegionManifest{
		store:  opts.Store,
		dir:    opts.Dir,
		logger: opts.Logger.With("component", "RegionManifest", "dir", opts.Dir),
		tracer: opts.Tracer,
	}

	cp, found, err := m.readCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if found {
		m.hasCheckpoint = true
		m.checkpointVersion = cp.LastVersion
		m.lastVersion = cp.LastVersion + 1
	}

	versions, err := m.listDeltas(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) > 0 {
		last := versions[len(versions)-1]
		if _, err := m.readDelta(ctx, last); err != nil {
			m.logger.Warn("Dropping malformed trailing manifest record", "version", last, "error", err)
			if err := m.store.Delete(ctx, m.deltaName(last)); err != nil {
				return nil, &core.ManifestError{Op: "open", Version: last, Err: err}
			}
			versions = versions[:len(versions)-1]
		}
	}
	if len(versions) > 0 && versions[len(versions)-1]+1 > m.lastVersion {
		m.lastVersion = versions[len(versions)-1] + 1
	}
	m.logger.Debug("Opened manifest", "last_version", m.lastVersion, "checkpoint", m.hasCheckpoint)
	return m, nil
}

func (m *RegionManifest) deltaName(version uint64) string {
	return objectstore.Join(m.dir, core.FormatManifestFileName(version))
}

func (m *RegionManifest) checkpointName() string {
	return objectstore.Join(m.dir, core.CheckpointFileName)
}

// listDeltas returns the versions of every delta object newer than the
// checkpoint, sorted.
func (m *RegionManifest) listDeltas(ctx context.Context) ([]uint64, error) {
	prefix := strings.TrimSuffix(m.dir, "/") + "/"
	names, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, &core.ManifestError{Op: "list", Err: err}
	}
	var versions []uint64
	for _, n := range names {
		rel := strings.TrimPrefix(n, prefix)
		if strings.Contains(rel, "/") {
			continue
		}
		v, err := core.ParseManifestFileName(rel)
		if err != nil {
			continue
		}
		if m.hasCheckpoint && v <= m.checkpointVersion {
			// left over from an interrupted prune
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (m *RegionManifest) readDelta(ctx context.Context, version uint64) (ActionList, error) {
	data, err := m.store.Get(ctx, m.deltaName(version))
	if err != nil {
		return ActionList{}, err
	}
	return decodeActionList(data)
}

// LastVersion returns the number of records written, which is the version
// the next update will get.
func (m *RegionManifest) LastVersion() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVersion
}

// Update persists actions as the next version. On error nothing is
// recorded and the version does not advance.
func (m *RegionManifest) Update(ctx context.Context, actions ActionList) (version uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version = m.lastVersion
	ctx, span := m.tracer.Start(ctx, "RegionManifest.Update")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "manifest_update_failed")
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int64("manifest.version", int64(version)), attribute.Int("manifest.actions", len(actions.Actions)))

	if version > 0 {
		actions.PrevVersion = version - 1
	}
	data, err := encodeActionList(actions)
	if err != nil {
		return 0, &core.ManifestError{Op: "encode", Version: version, Err: err}
	}
	if err := m.store.Put(ctx, m.deltaName(version), data); err != nil {
		return 0, &core.ManifestError{Op: "update", Version: version, Err: err}
	}
	m.lastVersion++
	m.logger.Debug("Manifest updated", "version", version, "actions", len(actions.Actions))
	return version, nil
}

// Scan returns the records with start <= version < end. Records folded into
// the checkpoint are yielded from it.
func (m *RegionManifest) Scan(ctx context.Context, start, end uint64) (*Iterator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanLocked(ctx, start, end)
}

func (m *RegionManifest) scanLocked(ctx context.Context, start, end uint64) (*Iterator, error) {
	it := &Iterator{ctx: ctx, manifest: m}
	next := uint64(0)
	if m.hasCheckpoint {
		cp, found, err := m.readCheckpoint(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &core.CorruptionError{Source: m.checkpointName(), Err: fmt.Errorf("checkpoint disappeared")}
		}
		for _, e := range cp.Entries {
			if e.Version >= start && e.Version < end {
				it.folded = append(it.folded, e)
			}
		}
		next = cp.LastVersion + 1
	}

	versions, err := m.listDeltas(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		if v != next {
			return nil, &core.CorruptionError{
				Source: m.deltaName(next),
				Err:    fmt.Errorf("manifest record %d missing, next present is %d", next, v),
			}
		}
		next++
		if v >= start && v < end {
			it.versions = append(it.versions, v)
		}
	}
	if len(versions) > 0 {
		it.lastDelta = versions[len(versions)-1]
	}
	return it, nil
}

// Iterator lazily reads manifest records in version order.
type Iterator struct {
	ctx       context.Context
	manifest  *RegionManifest
	folded    []Entry
	versions  []uint64
	lastDelta uint64
	cur       Entry
	err       error
}

func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if len(it.folded) > 0 {
		it.cur = it.folded[0]
		it.folded = it.folded[1:]
		return true
	}
	if len(it.versions) == 0 {
		return false
	}
	v := it.versions[0]
	it.versions = it.versions[1:]

	data, err := it.manifest.store.Get(it.ctx, it.manifest.deltaName(v))
	if err != nil {
		it.err = &core.ManifestError{Op: "read", Version: v, Err: err}
		return false
	}
	actions, err := decodeActionList(data)
	if err != nil {
		if v == it.lastDelta {
			it.manifest.logger.Warn("Malformed trailing manifest record treated as end of log", "version", v, "error", err)
			it.versions = nil
			return false
		}
		it.err = &core.CorruptionError{Source: it.manifest.deltaName(v), Err: err}
		return false
	}
	it.cur = Entry{Version: v, Actions: actions}
	return true
}

func (it *Iterator) Entry() Entry { return it.cur }
func (it *Iterator) Err() error   { return it.err }
