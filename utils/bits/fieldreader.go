package bits

// FieldReader reads syntax elements from a Buffer and remembers the first
// error. Once an error is recorded every further read returns zero, so a
// parser can read a run of fields and check Err once.
type FieldReader struct {
	*Buffer
	Err error
}

func NewFieldReader(b []byte) *FieldReader {
	return &FieldReader{Buffer: NewBuffer(b)}
}

func (self *FieldReader) U(n int) uint64 {
	if self.Err != nil {
		return 0
	}
	v, err := self.Get(n)
	self.Err = err
	return v
}

func (self *FieldReader) Flag() bool {
	return self.U(1) == 1
}

func (self *FieldReader) UE() uint64 {
	if self.Err != nil {
		return 0
	}
	v, err := self.ReadUE()
	self.Err = err
	return v
}

func (self *FieldReader) SE() int64 {
	if self.Err != nil {
		return 0
	}
	v, err := self.ReadSE()
	self.Err = err
	return v
}

func (self *FieldReader) SkipBits(n int) {
	if self.Err != nil {
		return
	}
	self.Err = self.Skip(n)
}
