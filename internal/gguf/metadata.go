package gguf

// Typed accessors over the metadata key/value block. Container writers are
// inconsistent about integer widths, so every numeric accessor accepts any
// stored numeric type and converts.

// Uint returns a metadata value as uint64.
func (f *File) Uint(key string) (uint64, bool) {
	v, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case int8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case int16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case int32:
		return uint64(n), true
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case float32:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}

// Int returns a metadata value as int.
func (f *File) Int(key string) (int, bool) {
	v, ok := f.Uint(key)
	return int(v), ok
}

// Float returns a metadata value as float32.
func (f *File) Float(key string) (float32, bool) {
	v, ok := f.KV[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	case uint32:
		return float32(n), true
	case int32:
		return float32(n), true
	case uint64:
		return float32(n), true
	case int64:
		return float32(n), true
	default:
		return 0, false
	}
}

// Str returns a metadata string value.
func (f *File) Str(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

// Bool returns a metadata bool value.
func (f *File) Bool(key string) (bool, bool) {
	b, ok := f.KV[key].(bool)
	return b, ok
}

// StrArray returns a metadata array of strings. Non-string elements are
// dropped.
func (f *File) StrArray(key string) ([]string, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// F32Array returns a metadata array of float32.
func (f *File) F32Array(key string) ([]float32, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]float32, 0, len(arr))
	for _, v := range arr {
		switch n := v.(type) {
		case float32:
			out = append(out, n)
		case float64:
			out = append(out, float32(n))
		case int32:
			out = append(out, float32(n))
		case uint32:
			out = append(out, float32(n))
		}
	}
	return out, true
}

// IntArray returns a metadata array of ints.
func (f *File) IntArray(key string) ([]int, bool) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]int, 0, len(arr))
	for _, v := range arr {
		switch n := v.(type) {
		case int32:
			out = append(out, int(n))
		case uint32:
			out = append(out, int(n))
		case int64:
			out = append(out, int(n))
		case uint64:
			out = append(out, int(n))
		}
	}
	return out, true
}

// Architecture returns the declared model architecture name, empty if absent.
func (f *File) Architecture() string {
	s, _ := f.Str("general.architecture")
	return s
}

// ArchUint resolves "<arch>.<suffix>" for the declared architecture,
// falling back to the "llama." prefix that most converters emit.
func (f *File) ArchUint(suffix string) (uint64, bool) {
	if arch := f.Architecture(); arch != "" {
		if v, ok := f.Uint(arch + "." + suffix); ok {
			return v, true
		}
	}
	return f.Uint("llama." + suffix)
}

// ArchFloat resolves "<arch>.<suffix>" like ArchUint for float values.
func (f *File) ArchFloat(suffix string) (float32, bool) {
	if arch := f.Architecture(); arch != "" {
		if v, ok := f.Float(arch + "." + suffix); ok {
			return v, true
		}
	}
	return f.Float("llama." + suffix)
}
