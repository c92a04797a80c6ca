package graph

import (
	"encoding/base64"
	"encoding/binary"
	"hash"
)

// QuickXorHash is the content hash OneDrive and SharePoint report for every
// file: each input byte is XORed into a 160-bit circular buffer at a bit
// offset advancing by 11 per byte, and the little-endian input length is
// XORed into the last 8 bytes of the digest.
const (
	quickXorSize  = 20
	quickXorBits  = quickXorSize * 8
	quickXorShift = 11
)

type quickXor struct {
	buf    [quickXorSize]byte
	offset int // bit position of the next byte
	length uint64
}

var _ hash.Hash = (*quickXor)(nil)

func newQuickXor() *quickXor {
	return &quickXor{}
}

func (q *quickXor) Write(p []byte) (int, error) {
	for _, b := range p {
		i, bit := q.offset/8, q.offset%8
		v := uint16(b) << bit

		q.buf[i] ^= byte(v)
		q.buf[(i+1)%quickXorSize] ^= byte(v >> 8)

		q.offset = (q.offset + quickXorShift) % quickXorBits
	}

	q.length += uint64(len(p))

	return len(p), nil
}

func (q *quickXor) Sum(b []byte) []byte {
	out := q.buf

	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], q.length)

	for i, c := range n {
		out[quickXorSize-len(n)+i] ^= c
	}

	return append(b, out[:]...)
}

func (q *quickXor) Reset()         { *q = quickXor{} }
func (q *quickXor) Size() int      { return quickXorSize }
func (q *quickXor) BlockSize() int { return 64 }

// encoded is the digest in the base64 form Graph returns.
func (q *quickXor) encoded() string {
	return base64.StdEncoding.EncodeToString(q.Sum(nil))
}
