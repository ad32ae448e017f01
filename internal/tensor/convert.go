package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Convert converts n contiguous elements from src (encoded as srcType) into
// dst (encoded as dstType). Same-precision conversion is a plain copy.
// Integer targets are rounded to nearest and saturated.
func Convert(dst []byte, dstType DType, src []byte, srcType DType, n int) error {
	if n == 0 {
		return nil
	}
	srcSize, dstSize := srcType.Size(), dstType.Size()
	if srcSize == 0 || dstSize == 0 {
		return fmt.Errorf("tensor: cannot convert %s to %s", srcType, dstType)
	}
	if len(src) < n*srcSize {
		return fmt.Errorf("tensor: source holds %d bytes, need %d", len(src), n*srcSize)
	}
	if len(dst) < n*dstSize {
		return fmt.Errorf("tensor: destination holds %d bytes, need %d", len(dst), n*dstSize)
	}
	if srcType == dstType {
		copy(dst[:n*dstSize], src[:n*srcSize])
		return nil
	}
	for i := range n {
		encodeElem(dst[i*dstSize:], dstType, decodeElem(src[i*srcSize:], srcType))
	}
	return nil
}

// DecodeFloat32 decodes len(dst) elements of src into dst.
func DecodeFloat32(dst []float32, src []byte, dt DType) error {
	size := dt.Size()
	if size == 0 {
		return fmt.Errorf("tensor: cannot decode %s", dt)
	}
	if len(src) < len(dst)*size {
		return fmt.Errorf("tensor: source holds %d bytes, need %d", len(src), len(dst)*size)
	}
	switch dt {
	case DTypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case DTypeF16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(src[i*2:])).Float32()
		}
	case DTypeBF16:
		for i := range dst {
			dst[i] = bfloat16.ToFloat32(bfloat16.FromBytes(src[i*2:]))
		}
	default:
		for i := range dst {
			dst[i] = float32(decodeElem(src[i*size:], dt))
		}
	}
	return nil
}

// EncodeFloat32 encodes src into len(src) elements of dst.
func EncodeFloat32(dst []byte, dt DType, src []float32) error {
	size := dt.Size()
	if size == 0 {
		return fmt.Errorf("tensor: cannot encode %s", dt)
	}
	if len(dst) < len(src)*size {
		return fmt.Errorf("tensor: destination holds %d bytes, need %d", len(dst), len(src)*size)
	}
	switch dt {
	case DTypeF32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case DTypeF16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(bfloat16.FromFloat32(v)))
		}
	default:
		for i, v := range src {
			encodeElem(dst[i*size:], dt, float64(v))
		}
	}
	return nil
}

func decodeElem(b []byte, dt DType) float64 {
	switch dt {
	case DTypeF32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case DTypeF16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32())
	case DTypeBF16:
		return float64(bfloat16.ToFloat32(bfloat16.FromBytes(b)))
	case DTypeU8:
		return float64(b[0])
	case DTypeI8:
		return float64(int8(b[0]))
	case DTypeI32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	default:
		panic("tensor: unsupported dtype for decode")
	}
}

func encodeElem(b []byte, dt DType, v float64) {
	switch dt {
	case DTypeF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case DTypeF16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case DTypeBF16:
		binary.LittleEndian.PutUint16(b, uint16(bfloat16.FromFloat32(float32(v))))
	case DTypeU8:
		b[0] = uint8(saturate(v, 0, math.MaxUint8))
	case DTypeI8:
		b[0] = uint8(int8(saturate(v, math.MinInt8, math.MaxInt8)))
	case DTypeI32:
		binary.LittleEndian.PutUint32(b, uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
	default:
		panic("tensor: unsupported dtype for encode")
	}
}

func saturate(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.RoundToEven(v)
	return min(max(v, lo), hi)
}
