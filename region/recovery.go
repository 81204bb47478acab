package region

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/manifest"
	"github.com/INLOpen/regionstore/memtable"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/version"
)

// RecoveredMetadata is a metadata change WAL replay still has to apply: WAL
// entries after CommittedSequence were written under Metadata.
type RecoveredMetadata struct {
	CommittedSequence core.SequenceNumber
	Metadata          *metadata.RegionMetadata
	ManifestVersion   uint64
}

// RecoveredMetadataMap holds pending metadata changes keyed by committed
// sequence.
type RecoveredMetadataMap map[core.SequenceNumber]RecoveredMetadata

// Sorted returns the changes in committed sequence order.
func (m RecoveredMetadataMap) Sorted() []RecoveredMetadata {
	out := make([]RecoveredMetadata, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedSequence < out[j].CommittedSequence })
	return out
}

// FirstKey returns the smallest committed sequence in the map.
func (m RecoveredMetadataMap) FirstKey() (core.SequenceNumber, bool) {
	sorted := m.Sorted()
	if len(sorted) == 0 {
		return 0, false
	}
	return sorted[0].CommittedSequence, true
}

// RecoverFromManifest folds every manifest record into one Version.
//
// The first Change action creates the Version; Edit actions fold into its
// file set, flushed sequence and manifest version, and Edits that precede
// the first Change are applied once it appears. Every later Change goes to
// the returned map, keyed by committed sequence. Changes that the final
// flushed sequence already covers are installed on the Version instead,
// since no WAL entry written under an older schema remains to be replayed.
//
// An empty manifest yields a nil Version.
func RecoverFromManifest(ctx context.Context, m *manifest.RegionManifest, builder memtable.Builder, logger *slog.Logger) (*version.Version, RecoveredMetadataMap, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = memtable.DefaultBuilder{}
	}
	it, err := m.Scan(ctx, 0, m.LastVersion())
	if err != nil {
		return nil, nil, err
	}

	var (
		v         *version.Version
		pending   []version.Edit
		recovered = make(RecoveredMetadataMap)
	)
	apply := func(edit version.Edit) error {
		next, err := v.Apply(edit)
		if err != nil {
			return fmt.Errorf("manifest record %d: %w", edit.ManifestVersion, err)
		}
		v = next
		return nil
	}

	for it.Next() {
		entry := it.Entry()
		for _, action := range entry.Actions.Actions {
			switch {
			case action.Protocol != nil:
				if action.Protocol.MinReaderVersion > manifest.ReaderVersion {
					return nil, nil, &core.CorruptionError{
						Source: "manifest",
						Err:    fmt.Errorf("record %d needs reader version %d", entry.Version, action.Protocol.MinReaderVersion),
					}
				}
			case action.Change != nil:
				change := action.Change
				if v == nil {
					v = version.New(change.Metadata, builder.Build(0, change.Metadata))
					for _, edit := range pending {
						if err := apply(edit); err != nil {
							return nil, nil, err
						}
					}
					pending = nil
					continue
				}
				if prev, ok := recovered[change.CommittedSequence]; ok {
					logger.Warn("Metadata change replaces an earlier change with the same committed sequence",
						"committed_sequence", change.CommittedSequence,
						"replaced_schema_version", prev.Metadata.Version(),
						"schema_version", change.Metadata.Version())
				}
				recovered[change.CommittedSequence] = RecoveredMetadata{
					CommittedSequence: change.CommittedSequence,
					Metadata:          change.Metadata,
					ManifestVersion:   entry.Version,
				}
			case action.Edit != nil:
				edit := version.Edit{
					FilesToAdd:      action.Edit.FilesToAdd,
					FilesToRemove:   action.Edit.FilesToRemove,
					FlushedSequence: action.Edit.FlushedSequence,
					ManifestVersion: entry.Version,
				}
				if v == nil {
					pending = append(pending, edit)
					continue
				}
				if err := apply(edit); err != nil {
					return nil, nil, err
				}
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, nil, err
	}
	if v == nil {
		if len(pending) > 0 {
			return nil, nil, &core.CorruptionError{Source: "manifest", Err: fmt.Errorf("%d edits but no metadata change", len(pending))}
		}
		return nil, recovered, nil
	}

	// changes already covered by flushed data take effect immediately
	meta := v.Metadata()
	for _, r := range recovered.Sorted() {
		if r.CommittedSequence > v.FlushedSequence() {
			break
		}
		meta = r.Metadata
		delete(recovered, r.CommittedSequence)
	}
	if meta != v.Metadata() {
		v = v.WithMetadata(meta, builder.Build(0, meta))
	}

	logger.Info("Recovered region version from manifest",
		"version", v.String(),
		"pending_metadata_changes", len(recovered),
		"manifest_last_version", m.LastVersion())
	return v, recovered, nil
}
