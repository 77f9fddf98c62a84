package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/quant"
)

// Writer support for synthetic containers. Production models come from
// upstream converters; this exists so tests and cmd/bodkin-gen can build
// small fixtures without shipping binary blobs.

// KV is one ordered metadata entry.
type KV struct {
	Key   string
	Value interface{}
}

// WriterTensor is one tensor to serialize. Values are given in float32 and
// encoded according to Type (F32, F16 or Q8_0).
type WriterTensor struct {
	Name   string
	Dims   []uint64
	Type   quant.Type
	Values []float32
}

// WriteFile serializes a version-3 container with the given metadata and
// tensors. Tensor data is placed at DefaultAlignment boundaries.
func WriteFile(path string, kv []KV, tensors []WriterTensor) error {
	encoded := make([][]byte, len(tensors))
	offsets := make([]uint64, len(tensors))
	next := uint64(0)
	for i, t := range tensors {
		n := uint64(1)
		for _, d := range t.Dims {
			n *= d
		}
		if uint64(len(t.Values)) != n {
			return fmt.Errorf("tensor %q: %d values for %v dims", t.Name, len(t.Values), t.Dims)
		}
		enc, err := encodeTensor(t.Type, t.Values)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		encoded[i] = enc
		offsets[i] = next
		next += alignUp(uint64(len(enc)), DefaultAlignment)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)

	le := binary.LittleEndian
	writeErr := func() error {
		_ = binary.Write(w, le, uint32(Magic))
		_ = binary.Write(w, le, uint32(Version))
		_ = binary.Write(w, le, uint64(len(tensors)))
		_ = binary.Write(w, le, uint64(len(kv)))

		written := uint64(headerBytes)
		for _, e := range kv {
			n, err := writeKV(w, e.Key, e.Value)
			if err != nil {
				return err
			}
			written += n
		}

		for i, t := range tensors {
			written += writeString(w, t.Name)
			_ = binary.Write(w, le, uint32(len(t.Dims)))
			written += 4
			for _, d := range t.Dims {
				_ = binary.Write(w, le, d)
				written += 8
			}
			_ = binary.Write(w, le, uint32(t.Type))
			_ = binary.Write(w, le, offsets[i])
			written += 12
		}

		if pad := alignUp(written, DefaultAlignment) - written; pad > 0 {
			_, _ = w.Write(make([]byte, pad))
		}

		for i, enc := range encoded {
			_, _ = w.Write(enc)
			if pad := alignUp(uint64(len(enc)), DefaultAlignment) - uint64(len(enc)); pad > 0 && i != len(encoded)-1 {
				_, _ = w.Write(make([]byte, pad))
			}
		}
		return w.Flush()
	}()

	if cerr := f.Close(); writeErr == nil {
		writeErr = cerr
	}
	return writeErr
}

func alignUp(n, align uint64) uint64 {
	if r := n % align; r != 0 {
		return n + align - r
	}
	return n
}

func writeString(w *bufio.Writer, s string) uint64 {
	_ = binary.Write(w, binary.LittleEndian, uint64(len(s)))
	_, _ = w.WriteString(s)
	return 8 + uint64(len(s))
}

func writeKV(w *bufio.Writer, key string, value interface{}) (uint64, error) {
	le := binary.LittleEndian
	n := writeString(w, key)

	switch v := value.(type) {
	case uint32:
		_ = binary.Write(w, le, uint32(MetadataValueTypeUint32))
		_ = binary.Write(w, le, v)
		return n + 8, nil
	case int32:
		_ = binary.Write(w, le, uint32(MetadataValueTypeInt32))
		_ = binary.Write(w, le, v)
		return n + 8, nil
	case uint64:
		_ = binary.Write(w, le, uint32(MetadataValueTypeUint64))
		_ = binary.Write(w, le, v)
		return n + 12, nil
	case float32:
		_ = binary.Write(w, le, uint32(MetadataValueTypeFloat32))
		_ = binary.Write(w, le, v)
		return n + 8, nil
	case bool:
		_ = binary.Write(w, le, uint32(MetadataValueTypeBool))
		b := byte(0)
		if v {
			b = 1
		}
		_ = w.WriteByte(b)
		return n + 5, nil
	case string:
		_ = binary.Write(w, le, uint32(MetadataValueTypeString))
		return n + 4 + writeString(w, v), nil
	case []string:
		_ = binary.Write(w, le, uint32(MetadataValueTypeArray))
		_ = binary.Write(w, le, uint32(MetadataValueTypeString))
		_ = binary.Write(w, le, uint64(len(v)))
		total := n + 16
		for _, s := range v {
			total += writeString(w, s)
		}
		return total, nil
	case []float32:
		_ = binary.Write(w, le, uint32(MetadataValueTypeArray))
		_ = binary.Write(w, le, uint32(MetadataValueTypeFloat32))
		_ = binary.Write(w, le, uint64(len(v)))
		for _, x := range v {
			_ = binary.Write(w, le, x)
		}
		return n + 16 + 4*uint64(len(v)), nil
	case []int32:
		_ = binary.Write(w, le, uint32(MetadataValueTypeArray))
		_ = binary.Write(w, le, uint32(MetadataValueTypeInt32))
		_ = binary.Write(w, le, uint64(len(v)))
		for _, x := range v {
			_ = binary.Write(w, le, x)
		}
		return n + 16 + 4*uint64(len(v)), nil
	default:
		return 0, fmt.Errorf("metadata %q: unsupported value type %T", key, value)
	}
}

func encodeTensor(t quant.Type, values []float32) ([]byte, error) {
	switch t {
	case quant.TypeF32:
		out := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case quant.TypeF16:
		out := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], quant.Fp32ToFp16(v))
		}
		return out, nil
	case quant.TypeQ8_0:
		if len(values)%quant.BlockSizeQ8_0 != 0 {
			return nil, fmt.Errorf("Q8_0 needs a multiple of %d elements, got %d",
				quant.BlockSizeQ8_0, len(values))
		}
		numBlocks := len(values) / quant.BlockSizeQ8_0
		out := make([]byte, numBlocks*quant.BlockBytesQ8_0)
		for b := 0; b < numBlocks; b++ {
			block := values[b*quant.BlockSizeQ8_0 : (b+1)*quant.BlockSizeQ8_0]
			amax := float32(0)
			for _, v := range block {
				if a := float32(math.Abs(float64(v))); a > amax {
					amax = a
				}
			}
			// Quantize against the fp16-rounded scale so decode is exact.
			d16 := quant.Fp32ToFp16(amax / 127)
			d := quant.Fp16ToFp32(d16)
			inv := float32(0)
			if d != 0 {
				inv = 1 / d
			}
			dst := out[b*quant.BlockBytesQ8_0:]
			binary.LittleEndian.PutUint16(dst[0:2], d16)
			for i, v := range block {
				q := math.RoundToEven(float64(v * inv))
				if q > 127 {
					q = 127
				}
				if q < -128 {
					q = -128
				}
				dst[2+i] = byte(int8(q))
			}
		}
		return out, nil
	default:
		return nil, &quant.UnsupportedTypeError{Type: t}
	}
}
