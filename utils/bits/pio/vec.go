package pio

func VecLen(vec [][]byte) (n int) {
	for _, b := range vec {
		n += len(b)
	}
	return
}

// VecSliceTo stores the byte range [s, e) of the concatenation of in into
// out without copying, and returns the number of slices used. e < 0 means
// the end of in. out must be at least len(in) long.
func VecSliceTo(in [][]byte, out [][]byte, s int, e int) (n int) {
	total := VecLen(in)
	if e < 0 {
		e = total
	}
	if s < 0 || s > e || e > total {
		panic("pio: VecSlice range out of bounds")
	}
	off := 0
	for _, b := range in {
		lo, hi := off, off+len(b)
		off = hi
		if hi <= s || len(b) == 0 {
			continue
		}
		if lo >= e {
			break
		}
		from, to := 0, len(b)
		if s > lo {
			from = s - lo
		}
		if e < hi {
			to = e - lo
		}
		out[n] = b[from:to]
		n++
	}
	return
}

func VecSlice(in [][]byte, s int, e int) (out [][]byte) {
	out = make([][]byte, len(in))
	n := VecSliceTo(in, out, s, e)
	out = out[:n]
	return
}
