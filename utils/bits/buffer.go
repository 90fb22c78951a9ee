package bits

import (
	"github.com/pkg/errors"
)

// ErrRange is returned when a request asks for more than 64 bits at once,
// fewer than one bit, or more bits than are left in the buffer.
var ErrRange = errors.New("bits: out of range")

// Buffer is a bit cursor over a fixed byte region. Bits are addressed
// most-significant first within each byte.
type Buffer struct {
	b   []byte
	pos int
}

func NewBuffer(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Pos returns the cursor position in bits.
func (self *Buffer) Pos() int {
	return self.pos
}

func (self *Buffer) SetPos(pos int) error {
	if pos < 0 || pos > len(self.b)*8 {
		return ErrRange
	}
	self.pos = pos
	return nil
}

// Left returns the number of bits after the cursor.
func (self *Buffer) Left() int {
	return len(self.b)*8 - self.pos
}

// Bytes returns the underlying region up to and including the byte holding
// the cursor's last written bit.
func (self *Buffer) Bytes() []byte {
	return self.b[:(self.pos+7)/8]
}

func (self *Buffer) Aligned() bool {
	return self.pos&7 == 0
}

// Align moves the cursor to the next byte boundary without touching the
// skipped bits.
func (self *Buffer) Align() {
	self.pos = (self.pos + 7) &^ 7
}

// PutAlign zero-fills up to the next byte boundary.
func (self *Buffer) PutAlign() error {
	if n := (8 - self.pos&7) & 7; n > 0 {
		return self.Put(0, n)
	}
	return nil
}

func (self *Buffer) Skip(n int) error {
	if n < 0 || n > self.Left() {
		return ErrRange
	}
	self.pos += n
	return nil
}

func (self *Buffer) Get(n int) (v uint64, err error) {
	if n < 1 || n > 64 || n > self.Left() {
		err = ErrRange
		return
	}
	for n > 0 {
		avail := 8 - self.pos&7
		take := avail
		if n < take {
			take = n
		}
		cur := self.b[self.pos>>3] >> uint(avail-take) & byte(1<<uint(take)-1)
		v = v<<uint(take) | uint64(cur)
		self.pos += take
		n -= take
	}
	return
}

func (self *Buffer) GetFlag() (bool, error) {
	v, err := self.Get(1)
	return v == 1, err
}

// Put writes the low n bits of v. Bits of v above n are ignored.
func (self *Buffer) Put(v uint64, n int) error {
	if n < 1 || n > 64 || n > self.Left() {
		return ErrRange
	}
	for n > 0 {
		avail := 8 - self.pos&7
		take := avail
		if n < take {
			take = n
		}
		shift := uint(avail - take)
		mask := byte(1<<uint(take)-1) << shift
		val := byte(v>>uint(n-take)) << shift & mask
		i := self.pos >> 3
		self.b[i] = self.b[i]&^mask | val
		self.pos += take
		n -= take
	}
	return nil
}

func (self *Buffer) PutFlag(f bool) error {
	if f {
		return self.Put(1, 1)
	}
	return self.Put(0, 1)
}

// PutBytes writes whole bytes at the cursor, which need not be aligned.
func (self *Buffer) PutBytes(p []byte) error {
	if len(p)*8 > self.Left() {
		return ErrRange
	}
	for _, c := range p {
		self.Put(uint64(c), 8)
	}
	return nil
}

// CopyBits copies n bits from src's cursor to dst's cursor. Both cursors
// advance by n. Neither buffer is modified if either lacks n bits.
func CopyBits(dst, src *Buffer, n int) error {
	if n < 0 || n > src.Left() || n > dst.Left() {
		return ErrRange
	}
	for n > 0 {
		k := 64
		if n < k {
			k = n
		}
		v, _ := src.Get(k)
		dst.Put(v, k)
		n -= k
	}
	return nil
}
