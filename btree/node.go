package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/yggdrasil-sh/core/pagestore"
)

// node is the in-memory form of one B+tree page: internal nodes route on
// separator keys alone, leaf nodes carry the actual key/value entries. Only
// leaves are ever read for Get/range results; internal nodes exist purely to
// narrow the search.
type node struct {
	leaf     bool
	keys     [][]byte
	values   [][]byte         // leaf only, parallel to keys
	children []pagestore.Addr // internal only, len(children) == len(keys)+1
}

func (n *node) encode() []byte {
	var buf bytes.Buffer
	if n.leaf {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	putUint32(&buf, uint32(len(n.keys)))
	for _, k := range n.keys {
		putBytes(&buf, k)
	}
	if n.leaf {
		for _, v := range n.values {
			putBytes(&buf, v)
		}
	} else {
		for _, c := range n.children {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(c))
			buf.Write(b[:])
		}
	}
	return buf.Bytes()
}

func decodeNode(data []byte) (*node, error) {
	r := bytes.NewReader(data)
	leafByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	n := &node{leaf: leafByte == 1}
	n.keys = make([][]byte, count)
	for i := range n.keys {
		k, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		n.keys[i] = k
	}
	if n.leaf {
		n.values = make([][]byte, count)
		for i := range n.values {
			v, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			n.values[i] = v
		}
	} else {
		n.children = make([]pagestore.Addr, count+1)
		for i := range n.children {
			var b [8]byte
			if _, err := r.Read(b[:]); err != nil {
				return nil, err
			}
			n.children[i] = pagestore.Addr(binary.BigEndian.Uint64(b[:]))
		}
	}
	return n, nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putBytes(buf *bytes.Buffer, v []byte) {
	putUint32(buf, uint32(len(v)))
	buf.Write(v)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
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

// compare is the tree's fixed ordering: plain lexicographic byte comparison,
// matching the big-endian key encodings the registry composes its keys with.
func compare(a, b []byte) int {
	return bytes.Compare(a, b)
}
