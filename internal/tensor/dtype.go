package tensor

import (
	"fmt"
	"strings"
)

// DType describes the element encoding of a tensor.
type DType uint8

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeU8
	DTypeI8
	DTypeI32
)

// Size returns the element size in bytes, or 0 for DTypeUnknown.
func (d DType) Size() int {
	switch d {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeU8, DTypeI8:
		return 1
	default:
		return 0
	}
}

// IsFloat reports whether the encoding is a floating point format.
func (d DType) IsFloat() bool {
	return d == DTypeF32 || d == DTypeF16 || d == DTypeBF16
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeU8:
		return "u8"
	case DTypeI8:
		return "i8"
	case DTypeI32:
		return "i32"
	default:
		return "unknown"
	}
}

// ParseDType accepts the names produced by DType.String plus a few common
// aliases ("float32", "fp16", "uint8", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "fp32", "float32":
		return DTypeF32, nil
	case "f16", "fp16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "u8", "uint8":
		return DTypeU8, nil
	case "i8", "int8":
		return DTypeI8, nil
	case "i32", "int32":
		return DTypeI32, nil
	default:
		return DTypeUnknown, fmt.Errorf("unsupported precision %q", s)
	}
}
