package gguf

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-bodkin/internal/quant"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")

	kv := []KV{
		{Key: "general.architecture", Value: "llama"},
		{Key: "general.name", Value: "fixture"},
		{Key: "llama.block_count", Value: uint32(2)},
		{Key: "llama.embedding_length", Value: uint32(8)},
		{Key: "llama.rope.freq_base", Value: float32(10000)},
		{Key: "llama.vocab_size", Value: uint64(4)},
		{Key: "general.quantized", Value: true},
		{Key: "tokenizer.ggml.tokens", Value: []string{"<0x00>", "a", "b", "ab"}},
		{Key: "tokenizer.ggml.scores", Value: []float32{0, -1, -2, -3}},
	}

	vals := make([]float32, 32)
	for i := range vals {
		vals[i] = float32(i) * 0.5
	}
	tensors := []WriterTensor{
		{Name: "token_embd.weight", Dims: []uint64{8, 4}, Type: quant.TypeF32, Values: vals},
		{Name: "output_norm.weight", Dims: []uint64{8}, Type: quant.TypeF16, Values: vals[:8]},
	}

	require.NoError(t, WriteFile(path, kv, tensors))
	return path
}

func TestOpenRoundTrip(t *testing.T) {
	f, err := Open(writeFixture(t))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, uint32(Version), f.Header.Version)
	assert.Equal(t, uint64(2), f.Header.TensorCount)
	assert.Equal(t, "llama", f.Architecture())

	v, ok := f.ArchUint("block_count")
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)

	fl, ok := f.ArchFloat("rope.freq_base")
	require.True(t, ok)
	assert.Equal(t, float32(10000), fl)

	b, ok := f.Bool("general.quantized")
	require.True(t, ok)
	assert.True(t, b)

	toks, ok := f.StrArray("tokenizer.ggml.tokens")
	require.True(t, ok)
	assert.Equal(t, []string{"<0x00>", "a", "b", "ab"}, toks)

	scores, ok := f.F32Array("tokenizer.ggml.scores")
	require.True(t, ok)
	assert.Len(t, scores, 4)
}

func TestTensorDataAlignedAndDecodable(t *testing.T) {
	f, err := Open(writeFixture(t))
	require.NoError(t, err)
	defer f.Close()

	assert.Zero(t, f.DataOffset%DefaultAlignment, "data section must start aligned")

	emb, ok := f.Tensor("token_embd.weight")
	require.True(t, ok)
	assert.Equal(t, uint64(32), emb.NumElements())
	assert.Equal(t, uint64(128), emb.SizeBytes())

	dec, err := quant.Dequantize(emb.Type, emb.Data(), int(emb.NumElements()))
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), dec[1])
	assert.Equal(t, float32(15.5), dec[31])

	norm, ok := f.Tensor("output_norm.weight")
	require.True(t, ok)
	dec, err = quant.Dequantize(norm.Type, norm.Data(), 8)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, dec[7], 1e-3)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data, 0xdeadbeef)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, uint64(0), ferr.Offset)
}

func TestOpenRejectsBadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	data := make([]byte, 64)
	binary.LittleEndian.PutUint32(data, Magic)
	binary.LittleEndian.PutUint32(data[4:], 99)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
}

func TestOpenRejectsTruncatedTable(t *testing.T) {
	// Declare one tensor but end the file before its descriptor.
	path := filepath.Join(t.TempDir(), "trunc.gguf")
	data := make([]byte, headerBytes)
	binary.LittleEndian.PutUint32(data, Magic)
	binary.LittleEndian.PutUint32(data[4:], Version)
	binary.LittleEndian.PutUint64(data[8:], 1)  // tensor count
	binary.LittleEndian.PutUint64(data[16:], 0) // kv count
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
}

func TestOpenRejectsOutOfBoundsTensor(t *testing.T) {
	// A descriptor whose extent exceeds the file must fail at load, not at
	// first read.
	path := filepath.Join(t.TempDir(), "oob.gguf")
	require.NoError(t, WriteFile(path, nil, []WriterTensor{
		{Name: "w", Dims: []uint64{8}, Type: quant.TypeF32, Values: make([]float32, 8)},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-16], 0o644))

	_, err = Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
}

func TestOpenRejectsUnsupportedTensorType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weird.gguf")
	require.NoError(t, WriteFile(path, nil, []WriterTensor{
		{Name: "w", Dims: []uint64{8}, Type: quant.TypeF32, Values: make([]float32, 8)},
	}))

	// Patch the tensor type field to an unknown id. The descriptor layout
	// after the header is: name len (8) + name (1) + ndims (4) + dims (8).
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	typeOff := headerBytes + 8 + 1 + 4 + 8
	binary.LittleEndian.PutUint32(data[typeOff:], 77)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path)
	var uerr *quant.UnsupportedTypeError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, quant.Type(77), uerr.Type)
}

func TestOpenRejectsDuplicateTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.gguf")
	vals := make([]float32, 8)
	require.NoError(t, WriteFile(path, nil, []WriterTensor{
		{Name: "w", Dims: []uint64{8}, Type: quant.TypeF32, Values: vals},
		{Name: "w", Dims: []uint64{8}, Type: quant.TypeF32, Values: vals},
	}))

	_, err := Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Reason, "duplicate")
}

func TestOpenRejectsWrappingStringLength(t *testing.T) {
	// A kv key whose declared length is chosen so that offset+8+length
	// wraps past 2^64. The parser must fail cleanly, not slice with
	// inverted bounds.
	path := filepath.Join(t.TempDir(), "wrap.gguf")
	data := make([]byte, headerBytes+8)
	binary.LittleEndian.PutUint32(data, Magic)
	binary.LittleEndian.PutUint32(data[4:], Version)
	binary.LittleEndian.PutUint64(data[8:], 0)  // tensor count
	binary.LittleEndian.PutUint64(data[16:], 1) // kv count
	binary.LittleEndian.PutUint64(data[headerBytes:], ^uint64(0)-31)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Reason, "truncated string")
}

func TestOpenRejectsOversizedArrayLength(t *testing.T) {
	// An array value declaring 2^61 elements in a 49-byte file must be
	// rejected before anything is allocated from the count.
	path := filepath.Join(t.TempDir(), "hugearr.gguf")
	data := make([]byte, headerBytes+9+4+12)
	binary.LittleEndian.PutUint32(data, Magic)
	binary.LittleEndian.PutUint32(data[4:], Version)
	binary.LittleEndian.PutUint64(data[8:], 0)
	binary.LittleEndian.PutUint64(data[16:], 1)

	off := headerBytes
	binary.LittleEndian.PutUint64(data[off:], 1) // key length
	data[off+8] = 'k'
	off += 9
	binary.LittleEndian.PutUint32(data[off:], uint32(MetadataValueTypeArray))
	off += 4
	binary.LittleEndian.PutUint32(data[off:], uint32(MetadataValueTypeString))
	binary.LittleEndian.PutUint64(data[off+4:], 1<<61)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err := Open(path)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)
	assert.Contains(t, ferr.Reason, "array length")
}

func TestQ8RoundTripExact(t *testing.T) {
	// Q8_0 encode quantizes against the fp16-rounded scale, so values that
	// are exact multiples of the scale decode bit-exact.
	path := filepath.Join(t.TempDir(), "q8.gguf")
	vals := make([]float32, 32)
	for i := range vals {
		vals[i] = float32(i - 16)
	}
	require.NoError(t, WriteFile(path, nil, []WriterTensor{
		{Name: "w", Dims: []uint64{32}, Type: quant.TypeQ8_0, Values: vals},
	}))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	w, ok := f.Tensor("w")
	require.True(t, ok)
	dec, err := quant.Dequantize(w.Type, w.Data(), 32)
	require.NoError(t, err)
	for i := range vals {
		assert.InDelta(t, vals[i], dec[i], 0.07, "elem %d", i)
	}
}

func TestCloseInvalidatesFile(t *testing.T) {
	f, err := Open(writeFixture(t))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close(), "double close is a no-op")
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.gguf"))
	require.True(t, errors.Is(err, os.ErrNotExist))
}
