package tsio

// CRC-32/MPEG-2: polynomial 0x04c11db7, MSB first, no reflection, initial
// value 0xffffffff and no final xor.
var crc32Table [256]uint32

func init() {
	for i := range crc32Table {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04c11db7
			} else {
				crc <<= 1
			}
		}
		crc32Table[i] = crc
	}
}

func CRC32(b []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, v := range b {
		crc = crc<<8 ^ crc32Table[byte(crc>>24)^v]
	}
	return crc
}
