// Package pagestore implements the append-mostly, fixed-size-page block file
// with a free-list and fsync discipline described in spec §4.B. It is the
// leaf storage primitive the B-Tree is built on.
package pagestore

import (
	"context"
	"encoding/binary"
	"errors"
	log "log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/yggdrasil-sh/core"
)

// Addr is a page address: a zero-based page index, not a byte offset. Callers
// never see byte offsets; Alloc hands one out and Read/Write/MarkFreed take it back.
type Addr uint64

// NilAddr is the address returned to signal "no page" (e.g. an empty free list).
const NilAddr Addr = ^Addr(0)

const (
	// DefaultPageSize is used when Options.PageSize is zero.
	DefaultPageSize = 4096

	// headerMagic identifies a valid header slot.
	headerMagic = 0x59474752 // "YGGR"
	// headerVersion is bumped on incompatible on-disk format changes.
	headerVersion = 1
)

// Options configures a PageStore.
type Options struct {
	// PageSize is the fixed page size in bytes. Defaults to DefaultPageSize.
	PageSize int
	// Logger receives structured diagnostics; defaults to slog.Default().
	Logger *log.Logger
	// DirectIO switches the underlying file backend to O_DIRECT-aligned I/O
	// (see directio.go), trading page-cache buffering for predictable latency.
	DirectIO bool
	// Erasure, if non-nil, stripes every page across DataShards+ParityShards
	// shard files with Reed-Solomon parity instead of a single data.pages file.
	Erasure *ErasureOptions
}

func (o Options) pageSize() int {
	if o.PageSize <= 0 {
		return DefaultPageSize
	}
	return o.PageSize
}

func (o Options) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// PageStore owns exclusive access to one on-disk store directory (spec §5:
// a second process opening the same store_path is undefined behavior).
type PageStore struct {
	dir      string
	opts     Options
	pageSize int

	mu        sync.Mutex
	file      blockFile
	lock      *lockFile
	pageCount uint64

	epoch     uint64
	freeHead  Addr
	roots     []Addr
	dirty     map[Addr][]byte
	pendFree  []Addr
	allocated uint64
}

// Open creates the store directory if needed, takes the advisory lock, and
// recovers the last committed header (or initializes a fresh store). roots
// reflects the number of named root pointers the owner will pass to Flush
// (3 for the Snapshot Registry's TSBS/SBTS/STBH trees, 1 for a composite
// journal's single B-tree).
func Open(dir string, rootCount int, opts Options) (*PageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, yggdrasil.Wrap(yggdrasil.IOError, err, dir)
	}
	lock, err := acquireLock(filepath.Join(dir, "LOCK"))
	if err != nil {
		return nil, yggdrasil.Wrap(yggdrasil.IntegrityError, err, dir)
	}

	ps := &PageStore{
		dir:      dir,
		opts:     opts,
		pageSize: opts.pageSize(),
		lock:     lock,
		dirty:    make(map[Addr][]byte),
		roots:    make([]Addr, rootCount),
	}
	for i := range ps.roots {
		ps.roots[i] = NilAddr
	}
	ps.freeHead = NilAddr

	f, err := openBlockFile(dir, ps.pageSize, opts)
	if err != nil {
		lock.release()
		return nil, yggdrasil.Wrap(yggdrasil.IOError, err, dir)
	}
	ps.file = f

	count, err := f.PageCount()
	if err != nil {
		lock.release()
		return nil, yggdrasil.Wrap(yggdrasil.IOError, err, dir)
	}
	ps.pageCount = count

	if err := ps.recover(rootCount); err != nil {
		lock.release()
		return nil, err
	}
	return ps, nil
}

// recover reads both header slots and adopts the higher-epoch, checksum-valid
// one. A store with neither header present is treated as brand new; a store
// with a header file but no valid one fails with IntegrityError.
func (ps *PageStore) recover(rootCount int) error {
	h0, err0 := readHeader(ps.dir, 0)
	h1, err1 := readHeader(ps.dir, 1)

	var best *header
	switch {
	case err0 == nil && err1 == nil:
		if h1.Epoch > h0.Epoch {
			best = h1
		} else {
			best = h0
		}
	case err0 == nil:
		best = h0
	case err1 == nil:
		best = h1
	default:
		if errors.Is(err0, os.ErrNotExist) && errors.Is(err1, os.ErrNotExist) {
			// Fresh store: neither header slot has been written.
			return nil
		}
		bad := err0
		if errors.Is(err0, os.ErrNotExist) {
			bad = err1
		}
		return yggdrasil.Wrap(yggdrasil.IntegrityError, bad, ps.dir)
	}
	if len(best.Roots) != rootCount {
		return yggdrasil.Wrap(yggdrasil.IntegrityError,
			errRootCountMismatch(len(best.Roots), rootCount), ps.dir)
	}
	ps.epoch = best.Epoch
	ps.freeHead = best.FreeHead
	copy(ps.roots, best.Roots)
	ps.opts.logger().Info("pagestore recovered", "dir", ps.dir, "epoch", ps.epoch)
	return nil
}

// Roots returns the last-flushed root addresses.
func (ps *PageStore) Roots() []Addr {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]Addr, len(ps.roots))
	copy(out, ps.roots)
	return out
}

// Alloc returns a page address: either a popped free-list entry or a fresh
// end-of-file page. The page is not durable until the next Flush.
func (ps *PageStore) Alloc() Addr {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.freeHead != NilAddr {
		addr := ps.freeHead
		next := ps.readFreeListNext(addr)
		ps.freeHead = next
		return addr
	}
	addr := Addr(ps.pageCount + ps.allocated)
	ps.allocated++
	return addr
}

// readFreeListNext reads the next-pointer a free page stores in its first 8
// bytes, consulting the dirty set first since a page may have been freed and
// relinked within the same uncommitted generation.
func (ps *PageStore) readFreeListNext(addr Addr) Addr {
	var buf []byte
	if b, ok := ps.dirty[addr]; ok {
		buf = b
	} else {
		b, err := ps.file.ReadAt(addr)
		if err != nil {
			return NilAddr
		}
		buf = b
	}
	if len(buf) < 8 {
		return NilAddr
	}
	return Addr(binary.BigEndian.Uint64(buf[:8]))
}

// Write stages bytes for addr. Durable only after the next Flush.
func (ps *PageStore) Write(addr Addr, data []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	maxPayload := ps.pageSize - checksumSize - lengthPrefixSize
	if len(data) > maxPayload {
		return yggdrasil.Wrap(yggdrasil.IOError, errPageTooLarge(len(data), maxPayload), addr)
	}
	page := make([]byte, ps.pageSize)
	binary.BigEndian.PutUint32(page[:lengthPrefixSize], uint32(len(data)))
	copy(page[lengthPrefixSize:], data)
	putChecksum(page)
	ps.dirty[addr] = page
	return nil
}

// Read returns the page payload (without the trailing checksum) at addr,
// consulting uncommitted writes first. A checksum mismatch on a committed
// page surfaces as IOError.
func (ps *PageStore) Read(addr Addr) ([]byte, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if b, ok := ps.dirty[addr]; ok {
		return payload(b, ps.pageSize), nil
	}
	buf, err := ps.file.ReadAt(addr)
	if err != nil {
		return nil, yggdrasil.Wrap(yggdrasil.IOError, err, addr)
	}
	if !verifyChecksum(buf) {
		return nil, yggdrasil.Wrap(yggdrasil.IOError, errChecksumMismatch(uint64(addr)), addr)
	}
	return payload(buf, ps.pageSize), nil
}

// MarkFreed stages addr for reuse; it becomes available to Alloc only after
// the next Flush commits the new free-list head.
func (ps *PageStore) MarkFreed(addr Addr) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pendFree = append(ps.pendFree, addr)
}

// Flush is the only durability boundary (spec §4.B): it writes dirty pages,
// fsyncs the data file, chains newly freed pages into the free list, writes a
// new root header to the alternating slot, and fsyncs the header. roots must
// have the same length the store was Open-ed with.
func (ps *PageStore) Flush(roots []Addr) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(roots) != len(ps.roots) {
		return yggdrasil.Wrap(yggdrasil.IntegrityError, errRootCountMismatch(len(roots), len(ps.roots)), nil)
	}

	// Chain pending frees onto the current free-list head, newest-first.
	newHead := ps.freeHead
	for _, addr := range ps.pendFree {
		page := make([]byte, ps.pageSize)
		binary.BigEndian.PutUint64(page[:8], uint64(newHead))
		putChecksum(page)
		ps.dirty[addr] = page
		newHead = addr
	}
	ps.pendFree = nil

	for addr, page := range ps.dirty {
		if err := ps.ensureSize(addr); err != nil {
			return err
		}
		if err := ps.file.WriteAt(addr, page); err != nil {
			return yggdrasil.Wrap(yggdrasil.IOError, err, addr)
		}
	}
	if err := yggdrasil.Retry(context.Background(), func(context.Context) error {
		return ps.file.Sync()
	}, nil); err != nil {
		return yggdrasil.Wrap(yggdrasil.IOError, err, ps.dir)
	}

	ps.dirty = make(map[Addr][]byte)
	ps.freeHead = newHead
	copy(ps.roots, roots)
	ps.pageCount += ps.allocated
	ps.allocated = 0
	ps.epoch++

	h := &header{
		Epoch:    ps.epoch,
		Roots:    append([]Addr(nil), ps.roots...),
		FreeHead: ps.freeHead,
	}
	slot := int(ps.epoch % 2)
	if err := writeHeader(ps.dir, slot, h); err != nil {
		return yggdrasil.Wrap(yggdrasil.IOError, err, ps.dir)
	}
	return nil
}

func (ps *PageStore) ensureSize(addr Addr) error {
	if err := ps.file.EnsurePageCount(uint64(addr) + 1); err != nil {
		return yggdrasil.Wrap(yggdrasil.IOError, err, addr)
	}
	return nil
}

// Close fsyncs the underlying file one last time, releases the advisory lock,
// and closes file handles. The caller is responsible for having already
// Flush-ed any state it wants durable; Close does not flush dirty pages.
func (ps *PageStore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var err error
	if ps.file != nil {
		if syncErr := ps.file.Sync(); syncErr != nil {
			err = yggdrasil.Wrap(yggdrasil.IOError, syncErr, ps.dir)
		}
		if closeErr := ps.file.Close(); closeErr != nil && err == nil {
			err = yggdrasil.Wrap(yggdrasil.IOError, closeErr, ps.dir)
		}
	}
	ps.lock.release()
	return err
}

// PageSize reports the fixed page size this store was opened with.
func (ps *PageStore) PageSize() int {
	return ps.pageSize
}
