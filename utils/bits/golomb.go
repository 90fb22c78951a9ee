package bits

const maxGolombZeros = 32

// ReadUE reads an unsigned Exp-Golomb code.
func (self *Buffer) ReadUE() (v uint64, err error) {
	zeros := 0
	for {
		var bit uint64
		if bit, err = self.Get(1); err != nil {
			return
		}
		if bit == 1 {
			break
		}
		if zeros++; zeros > maxGolombZeros {
			err = ErrRange
			return
		}
	}
	if zeros == 0 {
		return
	}
	var rest uint64
	if rest, err = self.Get(zeros); err != nil {
		return
	}
	v = (1<<uint(zeros) - 1) + rest
	return
}

// ReadSE reads a signed Exp-Golomb code.
func (self *Buffer) ReadSE() (v int64, err error) {
	var k uint64
	if k, err = self.ReadUE(); err != nil {
		return
	}
	if k&1 == 1 {
		v = int64((k + 1) / 2)
	} else {
		v = -int64(k / 2)
	}
	return
}

func (self *Buffer) WriteUE(v uint64) error {
	if v >= 1<<maxGolombZeros-1 {
		return ErrRange
	}
	v++
	n := 0
	for x := v; x > 0; x >>= 1 {
		n++
	}
	if n > 1 {
		if err := self.Put(0, n-1); err != nil {
			return err
		}
	}
	return self.Put(v, n)
}

func (self *Buffer) WriteSE(v int64) error {
	if v > 0 {
		return self.WriteUE(uint64(v)*2 - 1)
	}
	return self.WriteUE(uint64(-v) * 2)
}

// RemoveEmulationPrevention strips the 0x03 byte from every 00 00 03
// sequence of a NAL unit payload.
func RemoveEmulationPrevention(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c == 3 {
			zeros = 0
			continue
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return out
}

// AddEmulationPrevention inserts 0x03 wherever two zero bytes are followed by
// a byte no greater than 3.
func AddEmulationPrevention(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/64)
	zeros := 0
	for _, c := range b {
		if zeros >= 2 && c <= 3 {
			out = append(out, 3)
			zeros = 0
		}
		if c == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, c)
	}
	return out
}
