package virtio

import "os"

// FileBackend adapts an *os.File to BlockBackend; *os.File already
// satisfies io.ReaderAt/io.WriterAt (the same pattern the teacher's
// MemoryRegion.ReadAt/WriteAt exposes guest RAM through), so this only
// needs to add Size().
type FileBackend struct {
	*os.File
	size int64
}

// OpenFileBackend opens path (created if missing, truncated/extended to
// size when size > 0) as a block device backend.
func OpenFileBackend(path string, size int64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		size = info.Size()
	}
	return &FileBackend{File: f, size: size}, nil
}

func (f *FileBackend) Size() int64 { return f.size }

// MemBackend is an in-memory block device, used for ephemeral/test disks.
type MemBackend struct {
	data []byte
}

func NewMemBackend(size int64) *MemBackend {
	return &MemBackend{data: make([]byte, size)}
}

func (m *MemBackend) Size() int64 { return int64(len(m.data)) }

func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	return len(p), nil
}

var (
	_ BlockBackend = (*FileBackend)(nil)
	_ BlockBackend = (*MemBackend)(nil)
)
