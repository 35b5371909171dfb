package siamese

import "github.com/quicfec/siamese/gf256"

// Deterministic generator-matrix values shared with the decoder. Row and
// column coefficients are never zero; the opcode is a nonzero 6-bit mask
// whose low three bits select lane sums folded into the recovery buffer and
// whose high three bits select sums folded into the product workspace.

// int32Hash is Thomas Wang's 32-bit integer hash.
func int32Hash(key uint32) uint32 {
	key += ^(key << 15)
	key ^= key >> 10
	key += key << 3
	key ^= key >> 6
	key += ^(key << 11)
	key ^= key >> 16
	return key
}

func getColumnValue(column uint32) byte {
	return byte(int32Hash(column)%255) + 1
}

func getRowValue(row uint32) byte {
	return byte(int32Hash(row+1)%255) + 1
}

func getRowOpcode(laneIndex, row uint32) uint32 {
	return int32Hash(laneIndex+(row+1)*columnLaneCount)%63 + 1
}

func cauchyElement(row, column uint32) byte {
	return gf256.Inv(byte(row) ^ byte(column+cauchyMaxRows))
}

// pcgRandom is the PCG generator from http://www.pcg-random.org/,
// seeded with (row, count) to pick LDPC columns.
type pcgRandom struct {
	state uint64
	inc   uint64
}

func (p *pcgRandom) seed(y, x uint64) {
	p.state = 0
	p.inc = y<<1 | 1
	p.next()
	p.state += x
	p.next()
}

func (p *pcgRandom) next() uint32 {
	oldstate := p.state
	p.state = oldstate*6364136223846793005 + p.inc
	xorshifted := uint32((oldstate>>18 ^ oldstate) >> 27)
	rot := uint32(oldstate >> 59)
	return xorshifted>>rot | xorshifted<<(-rot&31)
}
