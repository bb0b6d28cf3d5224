package serialization

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

var strictConfig = sonic.Config{
	EscapeHTML:            true,
	SortMapKeys:           true,
	CompactMarshaler:      true,
	CopyString:            true,
	ValidateString:        true,
	DisallowUnknownFields: true,
}.Froze()

// Marshal encodes v as JSON
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// MarshalIndent encodes v as indented JSON
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

// Unmarshal decodes JSON into v
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalStrict decodes JSON into v, rejecting fields v does not declare
func UnmarshalStrict(data []byte, v any) error {
	return strictConfig.Unmarshal(data, v)
}

// Encode writes v to w as JSON
func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Decode reads one JSON value from r into v
func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
