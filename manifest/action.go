package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/INLOpen/regionstore/core"
	"github.com/INLOpen/regionstore/metadata"
	"github.com/INLOpen/regionstore/sst"
)

// Protocol versions this build reads and writes.
const (
	ReaderVersion uint32 = 1
	WriterVersion uint32 = 1
)

// ProtocolAction records the minimum versions needed to read and write the
// manifest.
type ProtocolAction struct {
	MinReaderVersion uint32 `json:"min_reader_version"`
	MinWriterVersion uint32 `json:"min_writer_version"`
}

// ChangeAction replaces the region metadata. CommittedSequence is the last
// sequence written under the previous metadata.
type ChangeAction struct {
	Metadata          *metadata.RegionMetadata `json:"metadata"`
	CommittedSequence core.SequenceNumber      `json:"committed_sequence"`
}

// EditAction changes the SST file set.
type EditAction struct {
	RegionVersion   uint32               `json:"region_version"`
	FlushedSequence *core.SequenceNumber `json:"flushed_sequence,omitempty"`
	FilesToAdd      []sst.FileMeta       `json:"files_to_add"`
	FilesToRemove   []sst.FileMeta       `json:"files_to_remove"`
}

// Action is a tagged union: exactly one field is set.
type Action struct {
	Protocol *ProtocolAction `json:"protocol,omitempty"`
	Change   *ChangeAction   `json:"change,omitempty"`
	Edit     *EditAction     `json:"edit,omitempty"`
}

func (a Action) kinds() int {
	n := 0
	if a.Protocol != nil {
		n++
	}
	if a.Change != nil {
		n++
	}
	if a.Edit != nil {
		n++
	}
	return n
}

func (a Action) String() string {
	switch {
	case a.Protocol != nil:
		return "protocol"
	case a.Change != nil:
		return fmt.Sprintf("change(v%d@%d)", a.Change.Metadata.Version(), a.Change.CommittedSequence)
	case a.Edit != nil:
		return fmt.Sprintf("edit(+%d,-%d)", len(a.Edit.FilesToAdd), len(a.Edit.FilesToRemove))
	default:
		return "empty"
	}
}

func NewChange(meta *metadata.RegionMetadata, committed core.SequenceNumber) Action {
	return Action{Change: &ChangeAction{Metadata: meta, CommittedSequence: committed}}
}

// NewEdit builds an edit. A nil flushed sequence leaves it unchanged.
func NewEdit(regionVersion uint32, flushed *core.SequenceNumber, add, remove []sst.FileMeta) Action {
	return Action{Edit: &EditAction{
		RegionVersion:   regionVersion,
		FlushedSequence: flushed,
		FilesToAdd:      add,
		FilesToRemove:   remove,
	}}
}

// ActionList is the unit of one manifest update. It is applied atomically.
type ActionList struct {
	// PrevVersion is the manifest version this list was written on top of.
	PrevVersion uint64   `json:"prev_version"`
	Actions     []Action `json:"actions"`
}

func NewActionList(actions ...Action) ActionList {
	return ActionList{Actions: actions}
}

// Validate checks that every action is a well formed variant.
func (l *ActionList) Validate() error {
	if len(l.Actions) == 0 {
		return fmt.Errorf("action list is empty")
	}
	for i, a := range l.Actions {
		if a.kinds() != 1 {
			return fmt.Errorf("action %d sets %d variants", i, a.kinds())
		}
		if a.Change != nil && a.Change.Metadata == nil {
			return fmt.Errorf("change action %d has no metadata", i)
		}
		if a.Protocol != nil && a.Protocol.MinReaderVersion > ReaderVersion {
			return fmt.Errorf("manifest needs reader version %d, have %d", a.Protocol.MinReaderVersion, ReaderVersion)
		}
	}
	return nil
}

func encodeActionList(l ActionList) ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&l)
}

func decodeActionList(data []byte) (ActionList, error) {
	var l ActionList
	if err := json.Unmarshal(data, &l); err != nil {
		return ActionList{}, err
	}
	if err := l.Validate(); err != nil {
		return ActionList{}, err
	}
	return l, nil
}

// Entry is one decoded manifest record.
type Entry struct {
	Version uint64     `json:"version"`
	Actions ActionList `json:"actions"`
}
