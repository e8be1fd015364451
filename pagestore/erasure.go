package pagestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
)

// ErasureOptions configures Reed-Solomon striping across shard files, an
// alternative durability strategy to plain fsync (spec §SPEC_FULL domain
// stack: grounded on the teacher's fs/erasure* packages).
type ErasureOptions struct {
	// DataShards is the number of shards the page payload is split across.
	DataShards int
	// ParityShards is the number of additional parity shards that can
	// reconstruct up to ParityShards shards whose read fails.
	ParityShards int
}

// erasureFile stripes each logical page across DataShards+ParityShards shard
// files (shard.0 .. shard.N-1), each holding a 1/DataShards-sized slice of the
// page, with Reed-Solomon parity shards able to reconstruct up to ParityShards
// slices whose read fails. Shards carry no checksum of their own, so a slice
// that reads back corrupted is not detected here; the page checksum verified
// by PageStore.Read catches it.
type erasureFile struct {
	enc         reedsolomon.Encoder
	shards      []*plainFile
	dataShards  int
	totalShards int
	pageSize    int
	shardSize   int
}

func openErasureFile(dir string, pageSize int, opts ErasureOptions) (*erasureFile, error) {
	if opts.DataShards <= 0 || opts.ParityShards <= 0 {
		return nil, fmt.Errorf("pagestore: erasure config requires positive data and parity shard counts")
	}
	enc, err := reedsolomon.New(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, err
	}
	total := opts.DataShards + opts.ParityShards
	if pageSize%opts.DataShards != 0 {
		return nil, fmt.Errorf("pagestore: page size %d must be a multiple of data shard count %d", pageSize, opts.DataShards)
	}
	shardDir := filepath.Join(dir, "shards")
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return nil, err
	}
	shardSize := pageSize / opts.DataShards
	shards := make([]*plainFile, total)
	for i := 0; i < total; i++ {
		f, err := openPlainFile(filepath.Join(shardDir, fmt.Sprintf("shard.%d", i)), shardSize)
		if err != nil {
			return nil, err
		}
		shards[i] = f
	}
	return &erasureFile{
		enc:         enc,
		shards:      shards,
		dataShards:  opts.DataShards,
		totalShards: total,
		pageSize:    pageSize,
		shardSize:   shardSize,
	}, nil
}

func (e *erasureFile) split(page []byte) [][]byte {
	shards := make([][]byte, e.totalShards)
	for i := 0; i < e.dataShards; i++ {
		shards[i] = append([]byte(nil), page[i*e.shardSize:(i+1)*e.shardSize]...)
	}
	for i := e.dataShards; i < e.totalShards; i++ {
		shards[i] = make([]byte, e.shardSize)
	}
	return shards
}

func (e *erasureFile) WriteAt(addr Addr, page []byte) error {
	shards := e.split(page)
	if err := e.enc.Encode(shards); err != nil {
		return err
	}
	for i, sf := range e.shards {
		if err := sf.WriteAt(addr, shards[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *erasureFile) ReadAt(addr Addr) ([]byte, error) {
	shards := make([][]byte, e.totalShards)
	missing := false
	for i, sf := range e.shards {
		buf, err := sf.ReadAt(addr)
		if err != nil {
			shards[i] = nil
			missing = true
			continue
		}
		shards[i] = buf
	}
	if missing {
		if err := e.enc.Reconstruct(shards); err != nil {
			return nil, err
		}
	}
	out := make([]byte, 0, e.pageSize)
	for i := 0; i < e.dataShards; i++ {
		out = append(out, shards[i]...)
	}
	return out, nil
}

func (e *erasureFile) Sync() error {
	for _, sf := range e.shards {
		if err := sf.Sync(); err != nil {
			return err
		}
	}
	return nil
}

func (e *erasureFile) PageCount() (uint64, error) {
	return e.shards[0].PageCount()
}

func (e *erasureFile) EnsurePageCount(n uint64) error {
	for _, sf := range e.shards {
		if err := sf.EnsurePageCount(n); err != nil {
			return err
		}
	}
	return nil
}

func (e *erasureFile) Close() error {
	var first error
	for _, sf := range e.shards {
		if err := sf.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
