package gguf

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/quant"
)

const (
	// Magic is the container signature, "GGUF" little-endian.
	Magic   = 0x46554747
	Version = 3

	// DefaultAlignment of the data section when the metadata does not
	// override general.alignment.
	DefaultAlignment = 32

	// headerBytes is the fixed prefix: magic, version, tensor count, kv count.
	headerBytes = 24
)

type MetadataValueType uint32

const (
	MetadataValueTypeUint8   MetadataValueType = 0
	MetadataValueTypeInt8    MetadataValueType = 1
	MetadataValueTypeUint16  MetadataValueType = 2
	MetadataValueTypeInt16   MetadataValueType = 3
	MetadataValueTypeUint32  MetadataValueType = 4
	MetadataValueTypeInt32   MetadataValueType = 5
	MetadataValueTypeFloat32 MetadataValueType = 6
	MetadataValueTypeBool    MetadataValueType = 7
	MetadataValueTypeString  MetadataValueType = 8
	MetadataValueTypeArray   MetadataValueType = 9
	MetadataValueTypeUint64  MetadataValueType = 10
	MetadataValueTypeInt64   MetadataValueType = 11
	MetadataValueTypeFloat64 MetadataValueType = 12
)

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// TensorInfo describes one tensor in the container. Offset is relative to
// the start of the data section; data is the validated window into the
// mapped file, set once during Open.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       quant.Type
	Offset     uint64

	data []byte
}

// NumElements returns the product of the tensor's dimensions.
func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// SizeBytes returns the encoded byte length of the tensor,
// or 0 for unsupported types.
func (t *TensorInfo) SizeBytes() uint64 {
	return t.Type.SizeBytes(t.NumElements())
}

// Data returns the raw encoded bytes, bounds-validated at load time.
// The slice aliases the read-only mapping and must not be written.
func (t *TensorInfo) Data() []byte {
	return t.data
}

// File is a parsed, memory-mapped container. The mapping is read-only and
// shared by every session for the lifetime of the File.
type File struct {
	Header     Header
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	DataOffset uint64

	data   []byte
	byName map[string]*TensorInfo
}

// Tensor looks up a tensor descriptor by name.
func (f *File) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

// Size returns the total mapped byte length.
func (f *File) Size() int64 {
	return int64(len(f.data))
}

// FormatError reports a structurally invalid or unsupported container.
type FormatError struct {
	Offset uint64
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed container at offset %d: %s", e.Offset, e.Reason)
}

func formatErrf(offset uint64, format string, args ...interface{}) error {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
