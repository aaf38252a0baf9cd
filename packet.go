package ppp

// Pool is the external packet-pool allocator collaborator (spec.md §1,
// "packet pool allocator"). Implementations hand out fixed-capacity
// Segments and reclaim them on Put. Get may fail (pool exhausted, or the
// short allocation timeout spec.md §5 describes); callers treat that as a
// transient, countable condition, never a fatal one.
type Pool interface {
	Get() (*Segment, error)
	Put(*Segment)
}

// Segment is one pool-allocated buffer inside a Packet chain. It tracks a
// prepend cursor (Off) and append cursor (End) into a fixed backing array
// so headers can be stripped without copying, following the prepend/append
// cursor model spec.md §3 requires of a Frame.
type Segment struct {
	buf []byte
	Off int
	End int
}

// NewSegment wraps buf as an empty segment (Off==End==0); bytes are added
// with Append until the backing array is exhausted.
func NewSegment(buf []byte) *Segment { return &Segment{buf: buf} }

// Reset empties the segment for reuse by a Pool, keeping the backing array.
func (s *Segment) Reset() { s.Off, s.End = 0, 0 }

// Bytes returns the valid byte range of the segment.
func (s *Segment) Bytes() []byte { return s.buf[s.Off:s.End] }

// Cap returns the total backing array size.
func (s *Segment) Cap() int { return len(s.buf) }

// AppendRoom reports how many more bytes can be appended before the
// backing array is exhausted.
func (s *Segment) AppendRoom() int { return len(s.buf) - s.End }

// Append writes b at the append cursor. Reports false if there is no room.
func (s *Segment) Append(b byte) bool {
	if s.End >= len(s.buf) {
		return false
	}
	s.buf[s.End] = b
	s.End++
	return true
}

// TrimFront advances the prepend cursor by n, discarding the first n bytes
// of valid data (used to strip the flag/address/control header in place).
func (s *Segment) TrimFront(n int) { s.Off += n }

// TrimBack retreats the append cursor by n, discarding the last n bytes of
// valid data (used to strip the trailing CRC+flag in place).
func (s *Segment) TrimBack(n int) { s.End -= n }

// Packet is an ordered chain of Segments carrying one logical frame, owned
// exclusively by whoever holds it (spec.md §3 Ownership). Chaining beyond
// a single segment is only legal for IPv4 data frames (spec.md §4.1 step
// 2, Chain invariant in §8); control frames that overflow a segment are
// rejected by the framer rather than chained.
type Packet struct {
	segs []*Segment
}

// Len returns the total number of valid bytes across all segments.
func (p *Packet) Len() int {
	n := 0
	for _, s := range p.segs {
		n += s.End - s.Off
	}
	return n
}

// Empty reports whether the packet holds no segments.
func (p *Packet) Empty() bool { return len(p.segs) == 0 }

// Segments exposes the underlying segment chain for iteration.
func (p *Packet) Segments() []*Segment { return p.segs }

// First returns the first segment of the chain, or nil if empty.
func (p *Packet) First() *Segment {
	if len(p.segs) == 0 {
		return nil
	}
	return p.segs[0]
}

// AppendByte appends b to the chain's tail segment, allocating a new
// segment from pool when the tail is full. allowChain must be false for
// control frames: a full tail segment with allowChain false returns
// ErrChainOnControl instead of growing the chain (spec.md §4.1 step 2).
func (p *Packet) AppendByte(pool Pool, b byte, allowChain bool) error {
	if len(p.segs) == 0 {
		seg, err := pool.Get()
		if err != nil {
			return ErrPoolExhausted
		}
		p.segs = append(p.segs, seg)
	}
	tail := p.segs[len(p.segs)-1]
	if tail.Append(b) {
		return nil
	}
	if !allowChain {
		return ErrChainOnControl
	}
	seg, err := pool.Get()
	if err != nil {
		return ErrPoolExhausted
	}
	p.segs = append(p.segs, seg)
	seg.Append(b)
	return nil
}

// TrimFront discards the first n valid bytes of the chain, dropping any
// segment that becomes fully consumed.
func (p *Packet) TrimFront(n int) {
	for n > 0 && len(p.segs) > 0 {
		s := p.segs[0]
		avail := s.End - s.Off
		if n < avail {
			s.TrimFront(n)
			return
		}
		n -= avail
		p.segs = p.segs[1:]
	}
}

// TrimBack discards the last n valid bytes of the chain, dropping any
// segment that becomes fully consumed.
func (p *Packet) TrimBack(n int) {
	for n > 0 && len(p.segs) > 0 {
		last := len(p.segs) - 1
		s := p.segs[last]
		avail := s.End - s.Off
		if n < avail {
			s.TrimBack(n)
			return
		}
		n -= avail
		p.segs = p.segs[:last]
	}
}

// CopyTo copies the full chain contents into dst in order, returning the
// number of bytes copied (capped at len(dst)).
func (p *Packet) CopyTo(dst []byte) int {
	n := 0
	for _, s := range p.segs {
		n += copy(dst[n:], s.Bytes())
		if n == len(dst) {
			break
		}
	}
	return n
}

// Release returns every segment in the chain to pool and empties the
// packet. After Release the Packet no longer owns any buffers.
func (p *Packet) Release(pool Pool) {
	for _, s := range p.segs {
		s.Reset()
		pool.Put(s)
	}
	p.segs = p.segs[:0]
}
