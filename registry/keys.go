package registry

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/yggdrasil-sh/core"
)

// maxShortFieldLen is the largest system_id/branch/snapshot_id byte length
// the len8 key encodings in spec §6 can represent.
const maxShortFieldLen = 255

func putLen8(buf *bytes.Buffer, field string, b []byte) error {
	if len(b) > maxShortFieldLen {
		return fmt.Errorf("registry: %s exceeds %d bytes", field, maxShortFieldLen)
	}
	buf.WriteByte(byte(len(b)))
	buf.Write(b)
	return nil
}

func readLen8(r *bytes.Reader) ([]byte, error) {
	n, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func putHLC(buf *bytes.Buffer, h yggdrasil.HLC) {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(h.Physical))
	binary.BigEndian.PutUint32(b[8:], h.Logical)
	buf.Write(b[:])
}

func putHLCInverted(buf *bytes.Buffer, h yggdrasil.HLC) {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], ^uint64(h.Physical))
	binary.BigEndian.PutUint32(b[8:], ^h.Logical)
	buf.Write(b[:])
}

func readHLC(r *bytes.Reader) (yggdrasil.HLC, error) {
	var b [12]byte
	if _, err := r.Read(b[:]); err != nil {
		return yggdrasil.HLC{}, err
	}
	return yggdrasil.HLC{
		Physical: int64(binary.BigEndian.Uint64(b[:8])),
		Logical:  binary.BigEndian.Uint32(b[8:]),
	}, nil
}

func readHLCInverted(r *bytes.Reader) (yggdrasil.HLC, error) {
	var b [12]byte
	if _, err := r.Read(b[:]); err != nil {
		return yggdrasil.HLC{}, err
	}
	return yggdrasil.HLC{
		Physical: int64(^binary.BigEndian.Uint64(b[:8])),
		Logical:  ^binary.BigEndian.Uint32(b[8:]),
	}, nil
}

// encodeTSBS builds the TSBS key: hlc || system_id || branch || snapshot_id,
// sorting entries ascending by time then system then branch (spec §6).
func encodeTSBS(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	putHLC(&buf, e.HLC)
	if err := putLen8(&buf, "system_id", []byte(e.SystemID)); err != nil {
		return nil, err
	}
	if err := putLen8(&buf, "branch", []byte(e.Branch)); err != nil {
		return nil, err
	}
	buf.Write([]byte(e.SnapshotID))
	return buf.Bytes(), nil
}

type tsbsKey struct {
	hlc    yggdrasil.HLC
	system yggdrasil.SystemID
	branch yggdrasil.BranchName
	snap   yggdrasil.SnapshotID
}

func decodeTSBS(key []byte) (tsbsKey, error) {
	r := bytes.NewReader(key)
	hlc, err := readHLC(r)
	if err != nil {
		return tsbsKey{}, err
	}
	sys, err := readLen8(r)
	if err != nil {
		return tsbsKey{}, err
	}
	branch, err := readLen8(r)
	if err != nil {
		return tsbsKey{}, err
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return tsbsKey{hlc: hlc, system: yggdrasil.SystemID(sys), branch: yggdrasil.BranchName(branch), snap: yggdrasil.SnapshotID(rest)}, nil
}

// tsbsSeekBound returns a key guaranteed to sort after every real TSBS key
// sharing hlc's (physical, logical) prefix, for use with SeekLE to find "the
// largest key with this exact HLC, if one exists". The padding run is sized
// generously past the maxShortFieldLen*2 + a realistic snapshot id length.
func tsbsSeekBound(h yggdrasil.HLC) []byte {
	var buf bytes.Buffer
	putHLC(&buf, h)
	buf.Write(bytes.Repeat([]byte{0xFF}, 2048))
	return buf.Bytes()
}

// encodeSBTS builds the SBTS key: system_id || branch || ~hlc || snapshot_id.
// Inverting the HLC bits makes ascending byte order equal descending time
// order, so a prefix-bounded ascending scan yields newest-first history.
func encodeSBTS(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := putLen8(&buf, "system_id", []byte(e.SystemID)); err != nil {
		return nil, err
	}
	if err := putLen8(&buf, "branch", []byte(e.Branch)); err != nil {
		return nil, err
	}
	putHLCInverted(&buf, e.HLC)
	buf.Write([]byte(e.SnapshotID))
	return buf.Bytes(), nil
}

func sbtsSystemBranchPrefix(sys yggdrasil.SystemID, branch yggdrasil.BranchName) ([]byte, error) {
	var buf bytes.Buffer
	if err := putLen8(&buf, "system_id", []byte(sys)); err != nil {
		return nil, err
	}
	if err := putLen8(&buf, "branch", []byte(branch)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sbtsSystemPrefix(sys yggdrasil.SystemID) ([]byte, error) {
	var buf bytes.Buffer
	if err := putLen8(&buf, "system_id", []byte(sys)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type sbtsKey struct {
	system yggdrasil.SystemID
	branch yggdrasil.BranchName
	hlc    yggdrasil.HLC
	snap   yggdrasil.SnapshotID
}

func decodeSBTS(key []byte) (sbtsKey, error) {
	r := bytes.NewReader(key)
	sys, err := readLen8(r)
	if err != nil {
		return sbtsKey{}, err
	}
	branch, err := readLen8(r)
	if err != nil {
		return sbtsKey{}, err
	}
	hlc, err := readHLCInverted(r)
	if err != nil {
		return sbtsKey{}, err
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	return sbtsKey{system: yggdrasil.SystemID(sys), branch: yggdrasil.BranchName(branch), hlc: hlc, snap: yggdrasil.SnapshotID(rest)}, nil
}

// encodeSTBH builds the STBH key: snapshot_id || system_id || branch || hlc,
// the reverse lookup "who references this snapshot".
func encodeSTBH(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := putLen8(&buf, "snapshot_id", []byte(e.SnapshotID)); err != nil {
		return nil, err
	}
	if err := putLen8(&buf, "system_id", []byte(e.SystemID)); err != nil {
		return nil, err
	}
	if err := putLen8(&buf, "branch", []byte(e.Branch)); err != nil {
		return nil, err
	}
	putHLC(&buf, e.HLC)
	return buf.Bytes(), nil
}

func stbhSnapshotPrefix(snap yggdrasil.SnapshotID) ([]byte, error) {
	var buf bytes.Buffer
	if err := putLen8(&buf, "snapshot_id", []byte(snap)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type stbhKey struct {
	snap   yggdrasil.SnapshotID
	system yggdrasil.SystemID
	branch yggdrasil.BranchName
	hlc    yggdrasil.HLC
}

func decodeSTBH(key []byte) (stbhKey, error) {
	r := bytes.NewReader(key)
	snap, err := readLen8(r)
	if err != nil {
		return stbhKey{}, err
	}
	sys, err := readLen8(r)
	if err != nil {
		return stbhKey{}, err
	}
	branch, err := readLen8(r)
	if err != nil {
		return stbhKey{}, err
	}
	hlc, err := readHLC(r)
	if err != nil {
		return stbhKey{}, err
	}
	return stbhKey{snap: yggdrasil.SnapshotID(snap), system: yggdrasil.SystemID(sys), branch: yggdrasil.BranchName(branch), hlc: hlc}, nil
}

// encodeValue serialises the fields not already present in a key: parent
// ids, message, metadata.
func encodeValue(e Entry) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(e.ParentIDs)))
	for _, p := range e.ParentIDs {
		putVarBytes(&buf, []byte(p))
	}
	putVarBytes(&buf, []byte(e.Message))
	putUint32(&buf, uint32(len(e.Metadata)))
	for k, v := range e.Metadata {
		putVarBytes(&buf, []byte(k))
		putVarBytes(&buf, []byte(v))
	}
	return buf.Bytes()
}

func decodeValue(data []byte) (parents []yggdrasil.SnapshotID, message string, metadata map[string]string, err error) {
	r := bytes.NewReader(data)
	n, err := readUint32(r)
	if err != nil {
		return nil, "", nil, err
	}
	for i := uint32(0); i < n; i++ {
		b, err := readVarBytes(r)
		if err != nil {
			return nil, "", nil, err
		}
		parents = append(parents, yggdrasil.SnapshotID(b))
	}
	msg, err := readVarBytes(r)
	if err != nil {
		return nil, "", nil, err
	}
	message = string(msg)
	mn, err := readUint32(r)
	if err != nil {
		return nil, "", nil, err
	}
	if mn > 0 {
		metadata = make(map[string]string, mn)
	}
	for i := uint32(0); i < mn; i++ {
		k, err := readVarBytes(r)
		if err != nil {
			return nil, "", nil, err
		}
		v, err := readVarBytes(r)
		if err != nil {
			return nil, "", nil, err
		}
		metadata[string(k)] = string(v)
	}
	return parents, message, metadata, nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func putVarBytes(buf *bytes.Buffer, v []byte) {
	putUint32(buf, uint32(len(v)))
	buf.Write(v)
}

func readVarBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func entryFromTSBS(k tsbsKey, value []byte) (Entry, error) {
	parents, msg, meta, err := decodeValue(value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{SnapshotID: k.snap, SystemID: k.system, Branch: k.branch, HLC: k.hlc, ParentIDs: parents, Message: msg, Metadata: meta}, nil
}

func entryFromSBTS(k sbtsKey, value []byte) (Entry, error) {
	parents, msg, meta, err := decodeValue(value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{SnapshotID: k.snap, SystemID: k.system, Branch: k.branch, HLC: k.hlc, ParentIDs: parents, Message: msg, Metadata: meta}, nil
}

func entryFromSTBH(k stbhKey, value []byte) (Entry, error) {
	parents, msg, meta, err := decodeValue(value)
	if err != nil {
		return Entry{}, err
	}
	return Entry{SnapshotID: k.snap, SystemID: k.system, Branch: k.branch, HLC: k.hlc, ParentIDs: parents, Message: msg, Metadata: meta}, nil
}

func hasPrefix(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}

// encodeEntryList/decodeEntryList serialize a full Entry (including the
// system/branch/hlc/snapshot fields a tree value alone omits), for the
// optional registry/cache tier in front of SystemHistory.
func encodeEntryList(entries []Entry) []byte {
	var buf bytes.Buffer
	putUint32(&buf, uint32(len(entries)))
	for _, e := range entries {
		putVarBytes(&buf, []byte(e.SnapshotID))
		putVarBytes(&buf, []byte(e.SystemID))
		putVarBytes(&buf, []byte(e.Branch))
		putHLC(&buf, e.HLC)
		buf.Write(encodeValue(e))
	}
	return buf.Bytes()
}

func decodeEntryList(data []byte) ([]Entry, error) {
	r := bytes.NewReader(data)
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		snap, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		sys, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		branch, err := readVarBytes(r)
		if err != nil {
			return nil, err
		}
		hlc, err := readHLC(r)
		if err != nil {
			return nil, err
		}
		parents, msg, meta, err := decodeValueFromReader(r)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{
			SnapshotID: yggdrasil.SnapshotID(snap),
			SystemID:   yggdrasil.SystemID(sys),
			Branch:     yggdrasil.BranchName(branch),
			HLC:        hlc,
			ParentIDs:  parents,
			Message:    msg,
			Metadata:   meta,
		})
	}
	return out, nil
}

// decodeValueFromReader is decodeValue's body operating directly on an
// open reader, since encodeEntryList concatenates several entries' value
// sections back to back rather than length-prefixing each as a whole blob.
func decodeValueFromReader(r *bytes.Reader) (parents []yggdrasil.SnapshotID, message string, metadata map[string]string, err error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, "", nil, err
	}
	for i := uint32(0); i < n; i++ {
		b, err := readVarBytes(r)
		if err != nil {
			return nil, "", nil, err
		}
		parents = append(parents, yggdrasil.SnapshotID(b))
	}
	msg, err := readVarBytes(r)
	if err != nil {
		return nil, "", nil, err
	}
	message = string(msg)
	mn, err := readUint32(r)
	if err != nil {
		return nil, "", nil, err
	}
	if mn > 0 {
		metadata = make(map[string]string, mn)
	}
	for i := uint32(0); i < mn; i++ {
		k, err := readVarBytes(r)
		if err != nil {
			return nil, "", nil, err
		}
		v, err := readVarBytes(r)
		if err != nil {
			return nil, "", nil, err
		}
		metadata[string(k)] = string(v)
	}
	return parents, message, metadata, nil
}
