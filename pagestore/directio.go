package pagestore

import (
	"os"

	"github.com/ncw/directio"
)

// directFile is the O_DIRECT-backed blockFile, selected via Options.DirectIO.
// It bypasses the page cache, trading buffered-write throughput for predictable
// fsync latency, following the same direct I/O discipline the teacher's
// fs/direct_io.go uses for its own block file.
type directFile struct {
	f        *os.File
	pageSize int
}

func openDirectFile(path string, pageSize int) (*directFile, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &directFile{f: f, pageSize: pageSize}, nil
}

func (d *directFile) ReadAt(addr Addr) ([]byte, error) {
	buf := directio.AlignedBlock(d.pageSize)
	_, err := d.f.ReadAt(buf, int64(addr)*int64(d.pageSize))
	return buf, err
}

func (d *directFile) WriteAt(addr Addr, page []byte) error {
	buf := directio.AlignedBlock(d.pageSize)
	copy(buf, page)
	_, err := d.f.WriteAt(buf, int64(addr)*int64(d.pageSize))
	return err
}

func (d *directFile) Sync() error { return d.f.Sync() }

func (d *directFile) PageCount() (uint64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(fi.Size()) / uint64(d.pageSize), nil
}

func (d *directFile) EnsurePageCount(n uint64) error {
	need := int64(n) * int64(d.pageSize)
	fi, err := d.f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < need {
		return d.f.Truncate(need)
	}
	return nil
}

func (d *directFile) Close() error { return d.f.Close() }
