package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/quant"
)

// Open maps a container file into memory and parses headers, metadata and
// the tensor descriptor table. Tensor bytes are never copied: each
// descriptor is validated against the file size once, here, and later reads
// go through TensorInfo.Data. The mapping is read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < headerBytes {
		return nil, formatErrf(0, "file too small for header: %d bytes", size)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	file, err := parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, err
	}

	metrics.ModelMappedBytes.Set(float64(size))
	logger.Log.Debug("container mapped",
		"path", path, "bytes", size,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

func parse(data []byte) (*File, error) {
	file := &File{
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
		data:   data,
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != Magic {
		return nil, formatErrf(0, "invalid magic: %#x", file.Header.Magic)
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > Version {
		return nil, formatErrf(4, "unsupported version: %d", file.Header.Version)
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	// Metadata key/value block
	for i := uint64(0); i < file.Header.KVCount; i++ {
		key, n, err := readString(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, formatErrf(offset, "truncated metadata value type for %q", key)
		}
		valType := MetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, err
		}
		offset += n

		file.KV[key] = val
	}

	// Tensor descriptor table
	for i := uint64(0); i < file.Header.TensorCount; i++ {
		t, n, err := readTensorInfo(data, offset)
		if err != nil {
			return nil, err
		}
		offset += n

		if _, dup := file.byName[t.Name]; dup {
			return nil, formatErrf(offset, "duplicate tensor name %q", t.Name)
		}
		file.Tensors = append(file.Tensors, t)
		file.byName[t.Name] = t
	}

	// The data section starts at the next alignment boundary.
	alignment := uint64(DefaultAlignment)
	if v, ok := file.Uint("general.alignment"); ok && v > 0 {
		alignment = v
	}
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	// Validate that every declared tensor fits inside the data section and
	// bind its byte window. Unsupported types are rejected here so nothing
	// downstream ever sees a descriptor it cannot decode.
	for _, t := range file.Tensors {
		if !t.Type.Supported() {
			return nil, &quant.UnsupportedTypeError{Type: t.Type}
		}
		if bs := uint64(t.Type.BlockSize()); t.NumElements()%bs != 0 {
			return nil, formatErrf(t.Offset, "tensor %q: %d elements not a multiple of %s block size %d",
				t.Name, t.NumElements(), t.Type, bs)
		}
		start := file.DataOffset + t.Offset
		end := start + t.SizeBytes()
		if start > end || end > uint64(len(data)) {
			return nil, formatErrf(t.Offset, "tensor %q extends past end of file (%d > %d)",
				t.Name, end, len(data))
		}
		t.data = data[start:end:end]
	}

	return file, nil
}

func readTensorInfo(data []byte, offset uint64) (*TensorInfo, uint64, error) {
	start := offset
	name, n, err := readString(data, offset)
	if err != nil {
		return nil, 0, err
	}
	offset += n

	if offset+4 > uint64(len(data)) {
		return nil, 0, formatErrf(offset, "truncated tensor table at %q", name)
	}
	nDims := binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if nDims == 0 || nDims > 4 {
		return nil, 0, formatErrf(offset, "tensor %q: invalid dimension count %d", name, nDims)
	}

	if offset+uint64(nDims)*8+12 > uint64(len(data)) {
		return nil, 0, formatErrf(offset, "truncated tensor table at %q", name)
	}
	dims := make([]uint64, nDims)
	for j := uint32(0); j < nDims; j++ {
		dims[j] = binary.LittleEndian.Uint64(data[offset:])
		offset += 8
	}

	typ := quant.Type(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	tensorOffset := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	return &TensorInfo{
		Name:       name,
		Dimensions: dims,
		Type:       typ,
		Offset:     tensorOffset,
	}, offset - start, nil
}

// readString decodes a length-prefixed string. All comparisons subtract
// from len(data) rather than adding to attacker-controlled values, so a
// crafted length near 2^64 cannot wrap the bounds check.
func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset > uint64(len(data)) || uint64(len(data))-offset < 8 {
		return "", 0, formatErrf(offset, "truncated string length")
	}
	length := binary.LittleEndian.Uint64(data[offset:])
	if length > uint64(len(data))-offset-8 {
		return "", 0, formatErrf(offset, "truncated string of length %d", length)
	}
	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

func readValue(data []byte, offset uint64, typ MetadataValueType) (interface{}, uint64, error) {
	fixed := func(n uint64) error {
		if offset > uint64(len(data)) || uint64(len(data))-offset < n {
			return formatErrf(offset, "truncated metadata value")
		}
		return nil
	}

	switch typ {
	case MetadataValueTypeUint8:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return data[offset], 1, nil
	case MetadataValueTypeInt8:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return int8(data[offset]), 1, nil
	case MetadataValueTypeUint16:
		if err := fixed(2); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case MetadataValueTypeInt16:
		if err := fixed(2); err != nil {
			return nil, 0, err
		}
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case MetadataValueTypeUint32:
		if err := fixed(4); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case MetadataValueTypeInt32:
		if err := fixed(4); err != nil {
			return nil, 0, err
		}
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case MetadataValueTypeFloat32:
		if err := fixed(4); err != nil {
			return nil, 0, err
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case MetadataValueTypeBool:
		if err := fixed(1); err != nil {
			return nil, 0, err
		}
		return data[offset] != 0, 1, nil
	case MetadataValueTypeString:
		return readString(data, offset)
	case MetadataValueTypeUint64:
		if err := fixed(8); err != nil {
			return nil, 0, err
		}
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case MetadataValueTypeInt64:
		if err := fixed(8); err != nil {
			return nil, 0, err
		}
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case MetadataValueTypeFloat64:
		if err := fixed(8); err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case MetadataValueTypeArray:
		if err := fixed(12); err != nil {
			return nil, 0, err
		}
		arrType := MetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		bytesRead := uint64(12)
		cur := offset + 12

		// Every element occupies at least one byte, so a declared count
		// beyond the remaining bytes cannot be satisfied. Checked before
		// the allocation sized from it.
		if arrLen > uint64(len(data))-cur {
			return nil, 0, formatErrf(offset, "array length %d exceeds %d remaining bytes",
				arrLen, uint64(len(data))-cur)
		}

		arr := make([]interface{}, 0, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, cur, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			cur += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	default:
		return nil, 0, formatErrf(offset, "unsupported metadata value type %d", typ)
	}
}

// Close unmaps the file. Descriptors must not be used afterwards.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := syscall.Munmap(f.data)
	f.data = nil
	metrics.ModelMappedBytes.Set(0)
	return err
}
