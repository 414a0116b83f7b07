package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"

	mrerrors "github.com/John-Rood/MemoryRouter-sub003/pkg/errors"
)

// Binary layout, little-endian:
//
//	header  dim:u32 capacity:u32 size:u32        12 bytes
//	ids     size × u32
//	padding zero bytes up to the next multiple of 8
//	vectors size × dim × f32
//	times   size × f64
//
// The id segment leaves the cursor at 12+4*size, which is 8-aligned only for
// odd sizes. Writer and reader both take the vector offset from
// vectorsOffset so the two can never disagree.
const (
	HeaderSize = 12

	maxDecodeRecords = 1 << 26
	maxDecodeDim     = 1 << 16
)

// Layout describes the byte offsets of an encoded index.
type Layout struct {
	Dim, Capacity, Size int

	IDsOffset        int
	PaddingBytes     int
	VectorsOffset    int
	TimestampsOffset int
	TotalBytes       int
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func vectorsOffset(size int) int {
	return align8(HeaderSize + 4*size)
}

// LayoutFor computes the segment offsets for the given header values.
//
// The only padding sits between the ids and the vectors, so the vectors
// start on an 8-byte boundary. Timestamps follow the vectors directly and
// are 8-aligned only when size*dim is even; decoding reads them bytewise.
func LayoutFor(dim, capacity, size int) Layout {
	idsEnd := HeaderSize + 4*size
	vecOff := vectorsOffset(size)
	tsOff := vecOff + 4*size*dim
	return Layout{
		Dim:              dim,
		Capacity:         capacity,
		Size:             size,
		IDsOffset:        HeaderSize,
		PaddingBytes:     vecOff - idsEnd,
		VectorsOffset:    vecOff,
		TimestampsOffset: tsOff,
		TotalBytes:       tsOff + 8*size,
	}
}

// MarshalBinary encodes the index.
func (x *Index) MarshalBinary() ([]byte, error) {
	size := len(x.ids)
	l := LayoutFor(x.dim, x.capacity, size)
	buf := make([]byte, l.TotalBytes)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(x.dim))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(x.capacity))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(size))

	off := l.IDsOffset
	for _, id := range x.ids {
		binary.LittleEndian.PutUint32(buf[off:], id)
		off += 4
	}

	// padding bytes are already zero
	off = l.VectorsOffset
	for _, v := range x.vectors {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}

	for _, ts := range x.timestamps {
		binary.LittleEndian.PutUint64(buf[off:], math.Float64bits(ts))
		off += 8
	}
	return buf, nil
}

// ReadLayout validates the header of an encoded index and returns its layout.
func ReadLayout(data []byte) (Layout, error) {
	if len(data) < HeaderSize {
		return Layout{}, corruption("buffer shorter than header: %d bytes", len(data))
	}
	dim := binary.LittleEndian.Uint32(data[0:4])
	capacity := binary.LittleEndian.Uint32(data[4:8])
	size := binary.LittleEndian.Uint32(data[8:12])

	switch {
	case size > capacity:
		return Layout{}, corruption("size %d exceeds capacity %d", size, capacity)
	case capacity > maxDecodeRecords:
		return Layout{}, corruption("capacity %d out of range", capacity)
	case dim > maxDecodeDim:
		return Layout{}, corruption("dimension %d out of range", dim)
	case size > 0 && dim == 0:
		return Layout{}, corruption("%d records with zero dimension", size)
	}

	l := LayoutFor(int(dim), int(capacity), int(size))
	if len(data) != l.TotalBytes {
		return Layout{}, corruption("buffer is %d bytes, header implies %d", len(data), l.TotalBytes)
	}
	return l, nil
}

// Decode builds an index from its binary encoding.
func Decode(data []byte) (*Index, error) {
	l, err := ReadLayout(data)
	if err != nil {
		return nil, err
	}

	x := &Index{dim: l.Dim}
	// Allocate for the stored records only; the header capacity is kept as
	// the logical capacity so re-encoding reproduces the same bytes.
	x.reserve(l.Size)
	x.capacity = l.Capacity

	off := l.IDsOffset
	for i := 0; i < l.Size; i++ {
		id := binary.LittleEndian.Uint32(data[off:])
		if i > 0 && id <= x.ids[i-1] {
			return nil, corruption("id %d at position %d is not increasing", id, i)
		}
		x.ids = append(x.ids, id)
		off += 4
	}

	off = l.VectorsOffset
	for i := 0; i < l.Size; i++ {
		var sum float64
		for j := 0; j < l.Dim; j++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, corruption("non-finite vector value in record %d", i)
			}
			x.vectors = append(x.vectors, v)
			sum += f * f
			off += 4
		}
		x.norms = append(x.norms, math.Sqrt(sum))
	}

	for i := 0; i < l.Size; i++ {
		ts := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		if math.IsNaN(ts) || math.IsInf(ts, 0) {
			return nil, corruption("non-finite timestamp in record %d", i)
		}
		x.timestamps = append(x.timestamps, ts)
		off += 8
	}
	return x, nil
}

// UnmarshalBinary replaces the index contents with the decoded data.
func (x *Index) UnmarshalBinary(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*x = *decoded
	return nil
}

func corruption(format string, args ...any) error {
	return mrerrors.NewIndexCorruption("", fmt.Sprintf(format, args...), nil)
}
