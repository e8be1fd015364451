package pagestore

import (
	"os"
	"path/filepath"
)

// blockFile is the minimal durable byte-range file the PageStore is built on.
// Three backends implement it: a plain os.File, an O_DIRECT-aligned file
// (directio.go), and an erasure-coded shard set (erasure.go).
type blockFile interface {
	ReadAt(addr Addr) ([]byte, error)
	WriteAt(addr Addr, page []byte) error
	Sync() error
	// PageCount reports how many whole logical pages are currently allocated
	// on disk, independent of how many bytes-per-page the backend uses
	// internally (a single byte range for plain/direct files, a shard slice
	// per page for the erasure-coded backend).
	PageCount() (uint64, error)
	// EnsurePageCount grows the backing storage so it holds at least n pages.
	EnsurePageCount(n uint64) error
	Close() error
}

func openBlockFile(dir string, pageSize int, opts Options) (blockFile, error) {
	if opts.Erasure != nil {
		return openErasureFile(dir, pageSize, *opts.Erasure)
	}
	if opts.DirectIO {
		return openDirectFile(filepath.Join(dir, "data.pages"), pageSize)
	}
	return openPlainFile(filepath.Join(dir, "data.pages"), pageSize)
}

type plainFile struct {
	f        *os.File
	pageSize int
}

func openPlainFile(path string, pageSize int) (*plainFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &plainFile{f: f, pageSize: pageSize}, nil
}

func (p *plainFile) ReadAt(addr Addr) ([]byte, error) {
	buf := make([]byte, p.pageSize)
	_, err := p.f.ReadAt(buf, int64(addr)*int64(p.pageSize))
	return buf, err
}

func (p *plainFile) WriteAt(addr Addr, page []byte) error {
	_, err := p.f.WriteAt(page, int64(addr)*int64(p.pageSize))
	return err
}

func (p *plainFile) Sync() error { return p.f.Sync() }

func (p *plainFile) PageCount() (uint64, error) {
	fi, err := p.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()) / uint64(p.pageSize), nil
}

func (p *plainFile) EnsurePageCount(n uint64) error {
	need := int64(n) * int64(p.pageSize)
	fi, err := p.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < need {
		return p.f.Truncate(need)
	}
	return nil
}

func (p *plainFile) Close() error { return p.f.Close() }
