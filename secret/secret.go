// Package secret provides buffers for key material that are wiped on release.
//
// Every function handling keys, private key components or unsealed plaintext allocates them
// through this package and releases them with defer, so the wipe happens on every return path.
package secret

// Buffer holds secret bytes. On Linux the backing memory is locked so it is not swapped out.
type Buffer struct {
	b      []byte
	locked bool
}

// New allocates a zeroed secret buffer of the given size.
func New(size int) *Buffer {
	buf := &Buffer{b: make([]byte, size)}
	buf.locked = lock(buf.b)
	return buf
}

// From copies src into a new secret buffer. src itself is left untouched.
func From(src []byte) *Buffer {
	buf := New(len(src))
	copy(buf.b, src)
	return buf
}

// Bytes returns the buffer contents. The slice must not be used after Destroy.
func (s *Buffer) Bytes() []byte {
	return s.b
}

// Len returns the size of the buffer.
func (s *Buffer) Len() int {
	return len(s.b)
}

// Destroy wipes the buffer and releases the memory lock. It is safe to call more than once.
func (s *Buffer) Destroy() {
	if s == nil || s.b == nil {
		return
	}
	Zero(s.b)
	if s.locked {
		unlock(s.b)
	}
	s.b = nil
	s.locked = false
}

// Zero overwrites all given slices with zeros.
func Zero(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}
