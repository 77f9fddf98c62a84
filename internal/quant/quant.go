package quant

import "fmt"

// Type identifies the storage representation of a tensor. The numeric values
// match the GGML type ids used by the container format.
type Type uint32

const (
	TypeF32  Type = 0
	TypeF16  Type = 1
	TypeQ4_0 Type = 2
	TypeQ4_1 Type = 3
	TypeQ8_0 Type = 8
	TypeQ4_K Type = 12
	TypeQ6_K Type = 14
)

// Block geometry per type: number of elements sharing one scale, and the
// encoded byte size of one block.
const (
	BlockSizeQ4_0 = 32
	BlockSizeQ4_1 = 32
	BlockSizeQ8_0 = 32
	BlockSizeQ4_K = 256
	BlockSizeQ6_K = 256

	BlockBytesQ4_0 = 18  // f16 scale + 32 packed nibbles
	BlockBytesQ4_1 = 20  // f16 scale + f16 min + 32 packed nibbles
	BlockBytesQ8_0 = 34  // f16 scale + 32 int8
	BlockBytesQ4_K = 144 // f16 d + f16 dmin + 12B sub-scales + 128B nibbles
	BlockBytesQ6_K = 210 // 128B low nibbles + 64B high bits + 16 int8 scales + f16 d
)

// UnsupportedTypeError reports a tensor type the codec cannot decode.
type UnsupportedTypeError struct {
	Type Type
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported quantization type: %s (%d)", e.Type, uint32(e.Type))
}

func (t Type) String() string {
	switch t {
	case TypeF32:
		return "F32"
	case TypeF16:
		return "F16"
	case TypeQ4_0:
		return "Q4_0"
	case TypeQ4_1:
		return "Q4_1"
	case TypeQ8_0:
		return "Q8_0"
	case TypeQ4_K:
		return "Q4_K"
	case TypeQ6_K:
		return "Q6_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", uint32(t))
	}
}

// BlockSize returns the number of elements per quantization block,
// or 1 for unquantized types. Unknown types return 0.
func (t Type) BlockSize() int {
	switch t {
	case TypeF32, TypeF16:
		return 1
	case TypeQ4_0:
		return BlockSizeQ4_0
	case TypeQ4_1:
		return BlockSizeQ4_1
	case TypeQ8_0:
		return BlockSizeQ8_0
	case TypeQ4_K:
		return BlockSizeQ4_K
	case TypeQ6_K:
		return BlockSizeQ6_K
	default:
		return 0
	}
}

// BlockBytes returns the encoded size of one block in bytes.
// Unknown types return 0.
func (t Type) BlockBytes() int {
	switch t {
	case TypeF32:
		return 4
	case TypeF16:
		return 2
	case TypeQ4_0:
		return BlockBytesQ4_0
	case TypeQ4_1:
		return BlockBytesQ4_1
	case TypeQ8_0:
		return BlockBytesQ8_0
	case TypeQ4_K:
		return BlockBytesQ4_K
	case TypeQ6_K:
		return BlockBytesQ6_K
	default:
		return 0
	}
}

// Supported reports whether the codec can decode tensors of this type.
func (t Type) Supported() bool {
	return t.BlockBytes() != 0
}

// SizeBytes returns the encoded byte length of n elements of this type.
// n must be a multiple of the block size.
func (t Type) SizeBytes(n uint64) uint64 {
	bs := uint64(t.BlockSize())
	if bs == 0 {
		return 0
	}
	return n / bs * uint64(t.BlockBytes())
}
