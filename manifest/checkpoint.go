package manifest

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/objectstore"
	"github.com/INLOpen/regionstore/sst"
)

// Checkpoint object layout: magic (4) | crc32 of payload (4) | JSON payload.
const checkpointHeaderSize = 4 + core.ChecksumSize

// checkpointData holds the compacted records for versions 0..LastVersion.
type checkpointData struct {
	LastVersion uint64  `json:"last_version"`
	Entries     []Entry `json:"entries"`
}

func encodeCheckpoint(cp checkpointData) ([]byte, error) {
	payload, err := json.Marshal(&cp)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, checkpointHeaderSize+len(payload))
	buf = binary.LittleEndian.AppendUint32(buf, core.CheckpointMagicNumber)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	return append(buf, payload...), nil
}

func decodeCheckpoint(data []byte) (checkpointData, error) {
	if len(data) < checkpointHeaderSize {
		return checkpointData{}, fmt.Errorf("checkpoint of %d bytes is truncated", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != core.CheckpointMagicNumber {
		return checkpointData{}, fmt.Errorf("invalid checkpoint magic number: got %x, want %x", magic, core.CheckpointMagicNumber)
	}
	payload := data[checkpointHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[4:8]) {
		return checkpointData{}, fmt.Errorf("checkpoint checksum mismatch")
	}
	var cp checkpointData
	if err := json.Unmarshal(payload, &cp); err != nil {
		return checkpointData{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	for i := range cp.Entries {
		if err := cp.Entries[i].Actions.Validate(); err != nil {
			return checkpointData{}, fmt.Errorf("checkpoint entry %d: %w", cp.Entries[i].Version, err)
		}
	}
	return cp, nil
}

// readCheckpoint returns the stored checkpoint and whether one exists. A
// damaged checkpoint is a CorruptionError: recovery cannot skip it.
func (m *RegionManifest) readCheckpoint(ctx context.Context) (checkpointData, bool, error) {
	data, err := m.store.Get(ctx, m.checkpointName())
	if err != nil {
		if objectstore.IsNotFound(err) {
			return checkpointData{}, false, nil
		}
		return checkpointData{}, false, &core.ManifestError{Op: "read checkpoint", Err: err}
	}
	cp, err := decodeCheckpoint(data)
	if err != nil {
		return checkpointData{}, true, &core.CorruptionError{Source: m.checkpointName(), Err: err}
	}
	return cp, true, nil
}

// CheckpointVersion reports the highest version folded into the checkpoint.
func (m *RegionManifest) CheckpointVersion() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointVersion, m.hasCheckpoint
}

// Checkpoint folds every record up to and including upTo into the
// checkpoint object and prunes the folded delta records. Scans and recovery
// see the same actions as before.
func (m *RegionManifest) Checkpoint(ctx context.Context, upTo uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upTo >= m.lastVersion {
		return fmt.Errorf("cannot checkpoint version %d, last written is %d", upTo, int64(m.lastVersion)-1)
	}
	if m.hasCheckpoint && upTo <= m.checkpointVersion {
		return nil
	}

	it, err := m.scanLocked(ctx, 0, upTo+1)
	if err != nil {
		return err
	}
	var entries []Entry
	for it.Next() {
		entries = append(entries, it.Entry())
	}
	if err := it.Err(); err != nil {
		return err
	}

	data, err := encodeCheckpoint(checkpointData{LastVersion: upTo, Entries: Compact(entries)})
	if err != nil {
		return &core.ManifestError{Op: "encode checkpoint", Version: upTo, Err: err}
	}
	if err := m.store.Put(ctx, m.checkpointName(), data); err != nil {
		return &core.ManifestError{Op: "checkpoint", Version: upTo, Err: err}
	}
	m.hasCheckpoint = true
	m.checkpointVersion = upTo

	pruned := 0
	for _, e := range entries {
		if err := m.store.Delete(ctx, m.deltaName(e.Version)); err != nil {
			// left over records are ignored on the next open
			m.logger.Warn("Failed to prune manifest record", "version", e.Version, "error", err)
			continue
		}
		pruned++
	}
	m.logger.Info("Manifest checkpointed", "version", upTo, "entries", len(entries), "pruned", pruned)
	return nil
}

// Compact folds a run of records into the fewest records that recover to
// the same state: the first metadata change, every later change, and one
// edit carrying the live file set placed at the version of the last edit.
func Compact(entries []Entry) []Entry {
	byVersion := make(map[uint64][]Action)
	var (
		lastEdit    *EditAction
		editVersion uint64
		flushed     *core.SequenceNumber
		live        []sst.FileMeta
		protocol    *Action
		protoVer    uint64
	)
	liveIndex := make(map[string]int)

	for _, e := range entries {
		for _, a := range e.Actions.Actions {
			switch {
			case a.Protocol != nil:
				p := a
				protocol, protoVer = &p, e.Version
			case a.Change != nil:
				byVersion[e.Version] = append(byVersion[e.Version], a)
			case a.Edit != nil:
				lastEdit, editVersion = a.Edit, e.Version
				if a.Edit.FlushedSequence != nil {
					seq := *a.Edit.FlushedSequence
					flushed = &seq
				}
				for _, f := range a.Edit.FilesToRemove {
					if i, ok := liveIndex[f.FileName]; ok {
						live[i].FileName = ""
						delete(liveIndex, f.FileName)
					}
				}
				for _, f := range a.Edit.FilesToAdd {
					if _, ok := liveIndex[f.FileName]; ok {
						continue
					}
					liveIndex[f.FileName] = len(live)
					live = append(live, f)
				}
			}
		}
	}

	if lastEdit != nil {
		files := make([]sst.FileMeta, 0, len(liveIndex))
		for _, f := range live {
			if f.FileName != "" {
				files = append(files, f)
			}
		}
		byVersion[editVersion] = append(byVersion[editVersion], NewEdit(lastEdit.RegionVersion, flushed, files, nil))
	}
	if protocol != nil {
		byVersion[protoVer] = append([]Action{*protocol}, byVersion[protoVer]...)
	}

	versions := make([]uint64, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	out := make([]Entry, 0, len(versions))
	for _, v := range versions {
		out = append(out, Entry{Version: v, Actions: ActionList{Actions: byVersion[v]}})
	}
	return out
}
