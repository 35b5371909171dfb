// Package gf256 implements arithmetic over GF(2^8) using log/antilog tables
// with primitive polynomial 0x11d, plus the bulk byte-slice operations the
// codec spends its time in.
package gf256

import "encoding/binary"

var (
	expTable [512]byte
	logTable [256]byte
)

func init() {
	// generator = 0x02, primitive polynomial = 0x11d
	x := 1
	for i := 0; i < 255; i++ {
		expTable[i] = byte(x)
		logTable[byte(x)] = byte(i)
		x <<= 1
		if x&0x100 != 0 { // carry out from bit 8
			x ^= 0x11d
		}
	}
	for i := 255; i < 512; i++ {
		expTable[i] = expTable[i-255]
	}
}

// Mul returns a*b in the field.
func Mul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return expTable[int(logTable[a])+int(logTable[b])]
}

// Sqr returns a*a in the field.
func Sqr(a byte) byte {
	if a == 0 {
		return 0
	}
	return expTable[2*int(logTable[a])]
}

// Inv returns the multiplicative inverse of a, or 0 for a == 0.
func Inv(a byte) byte {
	if a == 0 {
		return 0
	}
	return expTable[255-int(logTable[a])]
}

// AddMem xors src into dst over min(len(dst), len(src)) bytes.
func AddMem(dst, src []byte) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	dst = dst[:n]
	src = src[:n]
	for len(dst) >= 8 {
		binary.LittleEndian.PutUint64(dst,
			binary.LittleEndian.Uint64(dst)^binary.LittleEndian.Uint64(src))
		dst = dst[8:]
		src = src[8:]
	}
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// MulAddMem computes dst ^= y*src over min(len(dst), len(src)) bytes.
func MulAddMem(dst []byte, y byte, src []byte) {
	if y == 0 {
		return
	}
	if y == 1 {
		AddMem(dst, src)
		return
	}
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	logY := int(logTable[y])
	for i := 0; i < n; i++ {
		if src[i] != 0 {
			dst[i] ^= expTable[logY+int(logTable[src[i]])]
		}
	}
}

// MulMem computes dst = y*src over min(len(dst), len(src)) bytes.
func MulMem(dst, src []byte, y byte) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	if y == 0 {
		for i := 0; i < n; i++ {
			dst[i] = 0
		}
		return
	}
	if y == 1 {
		copy(dst[:n], src[:n])
		return
	}
	logY := int(logTable[y])
	for i := 0; i < n; i++ {
		if src[i] == 0 {
			dst[i] = 0
		} else {
			dst[i] = expTable[logY+int(logTable[src[i]])]
		}
	}
}
