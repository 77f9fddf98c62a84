package quant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dequantize decodes n elements of the given type from raw into float32.
// n must be a multiple of the type's block size and raw must hold at least
// SizeBytes(n) bytes. Decoding is deterministic: the same bytes always
// produce the same values regardless of which kernel later consumes them.
func Dequantize(t Type, raw []byte, n int) ([]float32, error) {
	out := make([]float32, n)
	if err := DequantizeInto(t, raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto decodes len(dst) elements from raw into dst. Used on hot
// paths that reuse a scratch buffer instead of allocating per row.
func DequantizeInto(t Type, raw []byte, dst []float32) error {
	n := len(dst)
	bs := t.BlockSize()
	if bs == 0 {
		return &UnsupportedTypeError{Type: t}
	}
	if n%bs != 0 {
		return fmt.Errorf("dequantize %s: %d elements is not a multiple of block size %d", t, n, bs)
	}
	if need := t.SizeBytes(uint64(n)); uint64(len(raw)) < need {
		return fmt.Errorf("dequantize %s: need %d bytes, have %d", t, need, len(raw))
	}

	switch t {
	case TypeF32:
		dequantizeF32(raw, dst)
	case TypeF16:
		dequantizeF16(raw, dst)
	case TypeQ4_0:
		dequantizeQ4_0(raw, dst)
	case TypeQ4_1:
		dequantizeQ4_1(raw, dst)
	case TypeQ8_0:
		dequantizeQ8_0(raw, dst)
	case TypeQ4_K:
		dequantizeQ4K(raw, dst)
	case TypeQ6_K:
		dequantizeQ6K(raw, dst)
	default:
		return &UnsupportedTypeError{Type: t}
	}
	return nil
}

// dequantizeF32 reinterprets little-endian float32 data.
func dequantizeF32(data []byte, out []float32) {
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

// dequantizeF16 widens little-endian float16 data.
func dequantizeF16(data []byte, out []float32) {
	for i := range out {
		out[i] = Fp16ToFp32(binary.LittleEndian.Uint16(data[i*2:]))
	}
}

// dequantizeQ8_0 decodes blocks of 32 int8 values with one f16 scale:
// value = d * q.
func dequantizeQ8_0(data []byte, out []float32) {
	numBlocks := len(out) / BlockSizeQ8_0
	for b := 0; b < numBlocks; b++ {
		block := data[b*BlockBytesQ8_0 : (b+1)*BlockBytesQ8_0]
		d := Fp16ToFp32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2:34]
		for i := 0; i < BlockSizeQ8_0; i++ {
			out[b*BlockSizeQ8_0+i] = d * float32(int8(qs[i]))
		}
	}
}

// dequantizeQ4_0 decodes blocks of 32 4-bit values with one f16 scale:
// value = d * (q - 8). Byte j packs element j in the low nibble and
// element j+16 in the high nibble.
func dequantizeQ4_0(data []byte, out []float32) {
	numBlocks := len(out) / BlockSizeQ4_0
	for b := 0; b < numBlocks; b++ {
		block := data[b*BlockBytesQ4_0 : (b+1)*BlockBytesQ4_0]
		d := Fp16ToFp32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2:18]
		for j := 0; j < 16; j++ {
			lo := int8(qs[j]&0x0F) - 8
			hi := int8(qs[j]>>4) - 8
			out[b*BlockSizeQ4_0+j] = d * float32(lo)
			out[b*BlockSizeQ4_0+j+16] = d * float32(hi)
		}
	}
}

// dequantizeQ4_1 decodes blocks of 32 4-bit values with an f16 scale and an
// f16 minimum: value = d * q + m.
func dequantizeQ4_1(data []byte, out []float32) {
	numBlocks := len(out) / BlockSizeQ4_1
	for b := 0; b < numBlocks; b++ {
		block := data[b*BlockBytesQ4_1 : (b+1)*BlockBytesQ4_1]
		d := Fp16ToFp32(binary.LittleEndian.Uint16(block[0:2]))
		m := Fp16ToFp32(binary.LittleEndian.Uint16(block[2:4]))
		qs := block[4:20]
		for j := 0; j < 16; j++ {
			out[b*BlockSizeQ4_1+j] = d*float32(qs[j]&0x0F) + m
			out[b*BlockSizeQ4_1+j+16] = d*float32(qs[j]>>4) + m
		}
	}
}

// dequantizeQ4K decodes 256-element super-blocks carrying a super scale d,
// a super minimum dmin, eight packed 6-bit sub-scales/mins, and 128 bytes
// of nibbles: value = (d*sc) * q - (dmin*m).
func dequantizeQ4K(data []byte, out []float32) {
	numBlocks := len(out) / BlockSizeQ4_K
	for b := 0; b < numBlocks; b++ {
		block := data[b*BlockBytesQ4_K : (b+1)*BlockBytesQ4_K]

		d := Fp16ToFp32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Fp16ToFp32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		qs := block[16:144]

		var sc, mn [8]uint8
		unpackScaleMinK4(scales, &sc, &mn)

		for j := 0; j < 8; j++ {
			dj := d * float32(sc[j])
			mj := dmin * float32(mn[j])
			qsOffset := j * 16
			for k := 0; k < 16; k++ {
				v := qs[qsOffset+k]
				idx := b*BlockSizeQ4_K + j*32 + k
				out[idx] = dj*float32(v&0x0F) - mj
				out[idx+16] = dj*float32(v>>4) - mj
			}
		}
	}
}

// unpackScaleMinK4 extracts the eight 6-bit scales and mins from the packed
// 12-byte layout used by the K-quant super-blocks.
func unpackScaleMinK4(scales []byte, sc, mn *[8]uint8) {
	for j := 0; j < 8; j++ {
		if j < 4 {
			sc[j] = scales[j] & 63
			mn[j] = scales[j+4] & 63
		} else {
			sc[j] = (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
			mn[j] = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
		}
	}
}

// dequantizeQ6K decodes 256-element super-blocks of 6-bit values stored as
// 128 bytes of low nibbles, 64 bytes of high bit pairs and sixteen signed
// 8-bit sub-scales: value = (d*sc) * (q - 32).
func dequantizeQ6K(data []byte, out []float32) {
	numBlocks := len(out) / BlockSizeQ6_K
	for b := 0; b < numBlocks; b++ {
		block := data[b*BlockBytesQ6_K : (b+1)*BlockBytesQ6_K]

		ql := block[0:128]
		qh := block[128:192]
		scales := block[192:208]
		d := Fp16ToFp32(binary.LittleEndian.Uint16(block[208:210]))

		for l := 0; l < 16; l++ {
			s := d * float32(int8(scales[l]))
			for k := 0; k < 16; k++ {
				idx := l*16 + k

				var q4 uint8
				if idx%2 == 0 {
					q4 = ql[idx/2] & 0x0F
				} else {
					q4 = ql[idx/2] >> 4
				}
				q2 := (qh[idx/4] >> ((idx % 4) * 2)) & 0x03
				q := int32(q2<<4 | q4)

				out[b*BlockSizeQ6_K+idx] = s * float32(q-32)
			}
		}
	}
}
