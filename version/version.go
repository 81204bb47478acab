// Package version holds the immutable snapshot of a region's state: its
// metadata, memtables and SST files. A new Version is published by atomic
// pointer swap; readers keep whichever Version they loaded.
package version

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/sst"
)

// MaxLevels is the number of SST levels tracked. Flushes write level 0.
const MaxLevels = 2

// LevelMetas is the immutable SST file set, grouped by level.
type LevelMetas struct {
	levels [MaxLevels][]sst.FileMeta
}

func NewLevelMetas() *LevelMetas {
	return &LevelMetas{}
}

// Merge returns a new LevelMetas with files added and removed. Files are
// matched by name; adding a file already present is a no-op.
func (l *LevelMetas) Merge(add, remove []sst.FileMeta) (*LevelMetas, error) {
	removed := make(map[string]struct{}, len(remove))
	for _, f := range remove {
		removed[f.FileName] = struct{}{}
	}
	present := make(map[string]struct{})
	next := &LevelMetas{}
	for i, files := range l.levels {
		for _, f := range files {
			if _, ok := removed[f.FileName]; ok {
				continue
			}
			present[f.FileName] = struct{}{}
			next.levels[i] = append(next.levels[i], f)
		}
	}
	for _, f := range add {
		if f.Level < 0 || f.Level >= MaxLevels {
			return nil, core.NewInternalError("file %s has level %d, only %d levels exist", f.FileName, f.Level, MaxLevels)
		}
		if _, ok := present[f.FileName]; ok {
			continue
		}
		present[f.FileName] = struct{}{}
		next.levels[f.Level] = append(next.levels[f.Level], f)
	}
	return next, nil
}

// Level returns the files of level i in the order they were added.
func (l *LevelMetas) Level(i int) []sst.FileMeta {
	return l.levels[i]
}

func (l *LevelMetas) NumLevels() int { return MaxLevels }

// Files returns every file, newest level 0 file last.
func (l *LevelMetas) Files() []sst.FileMeta {
	var out []sst.FileMeta
	for _, files := range l.levels {
		out = append(out, files...)
	}
	return out
}

func (l *LevelMetas) NumFiles() int {
	n := 0
	for _, files := range l.levels {
		n += len(files)
	}
	return n
}

// MemtableVersion is the immutable set of one mutable memtable plus the
// frozen memtables waiting to be flushed, oldest first.
type MemtableVersion struct {
	mutable    memtable.Memtable
	immutables []memtable.Memtable
}

func NewMemtableVersion(mutable memtable.Memtable) *MemtableVersion {
	return &MemtableVersion{mutable: mutable}
}

func (v *MemtableVersion) Mutable() memtable.Memtable      { return v.mutable }
func (v *MemtableVersion) Immutables() []memtable.Memtable { return v.immutables }
func (v *MemtableVersion) HasImmutables() bool             { return len(v.immutables) > 0 }

// All returns the mutable memtable followed by the immutables.
func (v *MemtableVersion) All() []memtable.Memtable {
	out := make([]memtable.Memtable, 0, len(v.immutables)+1)
	out = append(out, v.mutable)
	return append(out, v.immutables...)
}

func (v *MemtableVersion) BytesAllocated() int64 {
	n := v.mutable.BytesAllocated()
	for _, m := range v.immutables {
		n += m.BytesAllocated()
	}
	return n
}

// freeze moves the mutable memtable to the immutables and installs next.
func (v *MemtableVersion) freeze(next memtable.Memtable) *MemtableVersion {
	v.mutable.Freeze()
	immutables := make([]memtable.Memtable, 0, len(v.immutables)+1)
	immutables = append(immutables, v.immutables...)
	immutables = append(immutables, v.mutable)
	return &MemtableVersion{mutable: next, immutables: immutables}
}

// remove drops the immutables with the given ids.
func (v *MemtableVersion) remove(ids []uint32) *MemtableVersion {
	var kept []memtable.Memtable
	for _, m := range v.immutables {
		if !slices.Contains(ids, m.ID()) {
			kept = append(kept, m)
		}
	}
	return &MemtableVersion{mutable: v.mutable, immutables: kept}
}

// Version is one immutable state of a region.
type Version struct {
	metadata        *metadata.RegionMetadata
	memtables       *MemtableVersion
	ssts            *LevelMetas
	flushedSequence core.SequenceNumber
	manifestVersion uint64
}

func New(meta *metadata.RegionMetadata, mutable memtable.Memtable) *Version {
	return &Version{
		metadata:  meta,
		memtables: NewMemtableVersion(mutable),
		ssts:      NewLevelMetas(),
	}
}

func (v *Version) Metadata() *metadata.RegionMetadata { return v.metadata }
func (v *Version) Memtables() *MemtableVersion        { return v.memtables }
func (v *Version) SSTs() *LevelMetas                  { return v.ssts }

// FlushedSequence is the highest sequence persisted in SST files.
func (v *Version) FlushedSequence() core.SequenceNumber { return v.flushedSequence }

// ManifestVersion is the manifest version of the last applied edit.
func (v *Version) ManifestVersion() uint64 { return v.manifestVersion }

func (v *Version) String() string {
	return fmt.Sprintf("Version{schema=%d, memtables=%d, files=%d, flushed=%d, manifest=%d}",
		v.metadata.Version(), len(v.memtables.immutables)+1, v.ssts.NumFiles(), v.flushedSequence, v.manifestVersion)
}

// WithMetadata returns a copy of v using meta, with mutable as its only
// memtable. It is meant for recovery, before any write reached v.
func (v *Version) WithMetadata(meta *metadata.RegionMetadata, mutable memtable.Memtable) *Version {
	next := *v
	next.metadata = meta
	next.memtables = NewMemtableVersion(mutable)
	return &next
}

// Edit is a change to the file set produced by a flush or by recovery.
type Edit struct {
	FilesToAdd      []sst.FileMeta
	FilesToRemove   []sst.FileMeta
	FlushedSequence *core.SequenceNumber
	ManifestVersion uint64
	// FlushedMemtables are the ids of immutable memtables to drop.
	FlushedMemtables []uint32
}

// Apply returns a new Version with the edit applied.
func (v *Version) Apply(edit Edit) (*Version, error) {
	ssts, err := v.ssts.Merge(edit.FilesToAdd, edit.FilesToRemove)
	if err != nil {
		return nil, err
	}
	next := *v
	next.ssts = ssts
	if edit.FlushedSequence != nil {
		if *edit.FlushedSequence < v.flushedSequence {
			return nil, core.NewInternalError("flushed sequence moves back from %d to %d", v.flushedSequence, *edit.FlushedSequence)
		}
		next.flushedSequence = *edit.FlushedSequence
	}
	if edit.ManifestVersion > next.manifestVersion {
		next.manifestVersion = edit.ManifestVersion
	}
	if len(edit.FlushedMemtables) > 0 {
		next.memtables = v.memtables.remove(edit.FlushedMemtables)
	}
	return &next, nil
}

// VersionControl owns the current Version of a region and its sequences.
// The committed sequence is the last one handed out to a durable write; the
// visible sequence is the last one whose rows are in a memtable. Mutations
// are serialised; Current is lock free.
type VersionControl struct {
	mu        sync.Mutex
	current   atomic.Pointer[Version]
	committed atomic.Uint64
	visible   atomic.Uint64
	// last memtable id handed out
	memtableID atomic.Uint32
}

// NewVersionControl takes ownership of v. Memtable ids continue after the
// id of v's mutable memtable.
func NewVersionControl(v *Version) *VersionControl {
	c := &VersionControl{}
	c.current.Store(v)
	c.memtableID.Store(v.memtables.mutable.ID())
	return c
}

func (c *VersionControl) Current() *Version { return c.current.Load() }

func (c *VersionControl) CommittedSequence() core.SequenceNumber { return c.committed.Load() }

func (c *VersionControl) SetCommittedSequence(seq core.SequenceNumber) { c.committed.Store(seq) }

// VisibleSequence is the default read ceiling: every row at or below it can
// be read from the current Version.
func (c *VersionControl) VisibleSequence() core.SequenceNumber { return c.visible.Load() }

// PublishVisible makes rows up to seq readable. It must only be called once
// they have been applied.
func (c *VersionControl) PublishVisible(seq core.SequenceNumber) { c.visible.Store(seq) }

// NextMemtableID reserves a memtable id.
func (c *VersionControl) NextMemtableID() uint32 { return c.memtableID.Add(1) }

// FreezeMutable freezes the mutable memtable if it holds data and installs a
// fresh one built by builder. It reports whether a freeze happened.
func (c *VersionControl) FreezeMutable(builder memtable.Builder) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current.Load()
	if cur.memtables.mutable.NumRows() == 0 {
		return false
	}
	next := *cur
	next.memtables = cur.memtables.freeze(builder.Build(c.NextMemtableID(), cur.metadata))
	c.current.Store(&next)
	return true
}

// ApplyEdit publishes the Version produced by edit.
func (c *VersionControl) ApplyEdit(edit Edit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.current.Load().Apply(edit)
	if err != nil {
		return err
	}
	c.current.Store(next)
	return nil
}

// SetMetadata installs new metadata. The mutable memtable is frozen (if not
// empty) and replaced by one built for meta.
func (c *VersionControl) SetMetadata(meta *metadata.RegionMetadata, builder memtable.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current.Load()
	next := *cur
	next.metadata = meta
	mutable := builder.Build(c.NextMemtableID(), meta)
	if cur.memtables.mutable.NumRows() == 0 {
		next.memtables = &MemtableVersion{mutable: mutable, immutables: cur.memtables.immutables}
	} else {
		next.memtables = cur.memtables.freeze(mutable)
	}
	c.current.Store(&next)
}
