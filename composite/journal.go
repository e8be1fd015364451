package composite

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	yggdrasil "github.com/yggdrasil-sh/core"
)

// journalEntry is one node in a composite's own commit journal, keyed by
// composite_snap_id (spec §4.G: "B-tree keyed by composite_snap_id →
// {parent, hlc, msg, sub_snapshots}").
type journalEntry struct {
	SnapID       yggdrasil.SnapshotID
	ParentID     yggdrasil.SnapshotID // empty if this is the journal's root
	HLC          yggdrasil.HLC
	Message      string
	SubSnapshots map[yggdrasil.SystemID]yggdrasil.SnapshotID
}

const maxJournalFieldLen = 1 << 16

func putString(buf *bytes.Buffer, field, s string) error {
	if len(s) > maxJournalFieldLen {
		return fmt.Errorf("composite: %s exceeds %d bytes", field, maxJournalFieldLen)
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
	return nil
}

func readString(r *bytes.Reader) (string, error) {
	var n [4]byte
	if _, err := r.Read(n[:]); err != nil {
		return "", err
	}
	length := binary.BigEndian.Uint32(n[:])
	out := make([]byte, length)
	if length > 0 {
		if _, err := r.Read(out); err != nil {
			return "", err
		}
	}
	return string(out), nil
}

func encodeJournalEntry(e journalEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, "snap_id", string(e.SnapID)); err != nil {
		return nil, err
	}
	if err := putString(&buf, "parent_id", string(e.ParentID)); err != nil {
		return nil, err
	}
	var hlc [12]byte
	binary.BigEndian.PutUint64(hlc[:8], uint64(e.HLC.Physical))
	binary.BigEndian.PutUint32(hlc[8:], e.HLC.Logical)
	buf.Write(hlc[:])
	if err := putString(&buf, "message", e.Message); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(e.SubSnapshots))
	for id := range e.SubSnapshots {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(ids)))
	buf.Write(count[:])
	for _, id := range ids {
		if err := putString(&buf, "sub_system_id", id); err != nil {
			return nil, err
		}
		if err := putString(&buf, "sub_snapshot_id", string(e.SubSnapshots[yggdrasil.SystemID(id)])); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeJournalEntry(data []byte) (journalEntry, error) {
	r := bytes.NewReader(data)
	snapID, err := readString(r)
	if err != nil {
		return journalEntry{}, err
	}
	parentID, err := readString(r)
	if err != nil {
		return journalEntry{}, err
	}
	var hlc [12]byte
	if _, err := r.Read(hlc[:]); err != nil {
		return journalEntry{}, err
	}
	message, err := readString(r)
	if err != nil {
		return journalEntry{}, err
	}
	var countBuf [4]byte
	if _, err := r.Read(countBuf[:]); err != nil {
		return journalEntry{}, err
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	subs := make(map[yggdrasil.SystemID]yggdrasil.SnapshotID, count)
	for i := uint32(0); i < count; i++ {
		sysID, err := readString(r)
		if err != nil {
			return journalEntry{}, err
		}
		subSnap, err := readString(r)
		if err != nil {
			return journalEntry{}, err
		}
		subs[yggdrasil.SystemID(sysID)] = yggdrasil.SnapshotID(subSnap)
	}
	return journalEntry{
		SnapID:   yggdrasil.SnapshotID(snapID),
		ParentID: yggdrasil.SnapshotID(parentID),
		HLC: yggdrasil.HLC{
			Physical: int64(binary.BigEndian.Uint64(hlc[:8])),
			Logical:  binary.BigEndian.Uint32(hlc[8:]),
		},
		Message:      message,
		SubSnapshots: subs,
	}, nil
}
