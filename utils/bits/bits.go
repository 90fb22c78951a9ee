// Package bits implements MSB-first bit access: a fixed-capacity Buffer for
// parsing and building headers in place, and a streaming Writer over an
// io.Writer.
package bits

import (
	"io"
)

// Writer accumulates bits and writes whole bytes to W. FlushBits pads the
// final partial byte with zeros.
type Writer struct {
	W    io.Writer
	n    int
	bits byte
}

func (self *Writer) WriteBits64(bits uint64, n int) (err error) {
	if n < 1 || n > 64 {
		return ErrRange
	}
	for i := n - 1; i >= 0; i-- {
		self.bits = self.bits<<1 | byte(bits>>uint(i))&1
		if self.n++; self.n == 8 {
			if _, err = self.W.Write([]byte{self.bits}); err != nil {
				return
			}
			self.n, self.bits = 0, 0
		}
	}
	return
}

func (self *Writer) WriteBits(bits uint, n int) (err error) {
	return self.WriteBits64(uint64(bits), n)
}

func (self *Writer) Write(p []byte) (n int, err error) {
	for n < len(p) {
		if err = self.WriteBits64(uint64(p[n]), 8); err != nil {
			return
		}
		n++
	}
	return
}

func (self *Writer) FlushBits() (err error) {
	if self.n > 0 {
		b := self.bits << uint(8-self.n)
		if _, err = self.W.Write([]byte{b}); err != nil {
			return
		}
		self.n, self.bits = 0, 0
	}
	return
}
