package rowfmt

const defaultArenaChunk = 16 << 10

// Arena is a bump allocator for decoded field data. Everything handed out
// since the last Reset is released at once; callers that keep a tuple past
// Reset must Clone it.
type Arena struct {
	chunkSize int
	chunks    [][]byte
	cur       []byte
}

func NewArena(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = defaultArenaChunk
	}
	first := make([]byte, 0, chunkSize)
	return &Arena{
		chunkSize: chunkSize,
		chunks:    [][]byte{first},
		cur:       first,
	}
}

func (a *Arena) Copy(b []byte) []byte {
	if cap(a.cur)-len(a.cur) < len(b) {
		a.cur = make([]byte, 0, max(a.chunkSize, len(b)))
		a.chunks = append(a.chunks, a.cur)
	}

	start := len(a.cur)
	a.cur = append(a.cur, b...)
	return a.cur[start:len(a.cur):len(a.cur)]
}

func (a *Arena) copy(b []byte) []byte {
	if a == nil {
		return b[:len(b):len(b)]
	}
	return a.Copy(b)
}

// Reset keeps the first chunk and drops the rest.
func (a *Arena) Reset() {
	a.cur = a.chunks[0][:0]
	clear(a.chunks[1:])
	a.chunks = a.chunks[:1]
}
