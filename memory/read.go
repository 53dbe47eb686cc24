package memory

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/pkg/errors"
)

func readExact(r Reader, addr Address, size Size) ([]byte, error) {
	data, err := r.ReadMemory(addr, size)
	if err != nil {
		return nil, err
	}
	if Size(len(data)) < size {
		return nil, errors.Wrapf(ErrInvalidMemory, "short read at %s: %d of %d", addr, len(data), size)
	}
	return data, nil
}

// ReadUINT8 reads an unsigned 8-bit integer from the specified address
func ReadUINT8(r Reader, addr Address) (uint8, error) {
	data, err := readExact(r, addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// ReadUINT16 reads an unsigned 16-bit integer from the specified address
func ReadUINT16(r Reader, addr Address) (uint16, error) {
	data, err := readExact(r, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ReadU24 reads a little-endian unsigned 24-bit integer
func ReadU24(r Reader, addr Address) (uint32, error) {
	data, err := readExact(r, addr, 3)
	if err != nil {
		return 0, err
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, nil
}

// ReadI24 reads a little-endian 24-bit integer and sign extends it
func ReadI24(r Reader, addr Address) (int32, error) {
	v, err := ReadU24(r, addr)
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v), err
}

// ReadUINT32 reads an unsigned 32-bit integer from the specified address
func ReadUINT32(r Reader, addr Address) (uint32, error) {
	data, err := readExact(r, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ReadUINT64 reads an unsigned 64-bit integer from the specified address
func ReadUINT64(r Reader, addr Address) (uint64, error) {
	data, err := readExact(r, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

func ReadINT8(r Reader, addr Address) (int8, error) {
	v, err := ReadUINT8(r, addr)
	return int8(v), err
}

func ReadINT16(r Reader, addr Address) (int16, error) {
	v, err := ReadUINT16(r, addr)
	return int16(v), err
}

func ReadINT32(r Reader, addr Address) (int32, error) {
	v, err := ReadUINT32(r, addr)
	return int32(v), err
}

func ReadINT64(r Reader, addr Address) (int64, error) {
	v, err := ReadUINT64(r, addr)
	return int64(v), err
}

func ReadFLOAT32(r Reader, addr Address) (float32, error) {
	v, err := ReadUINT32(r, addr)
	return math.Float32frombits(v), err
}

func ReadFLOAT64(r Reader, addr Address) (float64, error) {
	v, err := ReadUINT64(r, addr)
	return math.Float64frombits(v), err
}

// ReadNTS reads a null-terminated string from the specified address with a maximum length
func ReadNTS(r Reader, addr Address, maxLength Size) (string, error) {
	if maxLength == 0 {
		return "", nil
	}

	data, err := r.ReadMemory(addr, maxLength)
	if err != nil {
		return "", err
	}

	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}

	return string(data), nil
}

// ReadWStr reads a null-terminated UTF-16 string of at most maxChars code units
func ReadWStr(r Reader, addr Address, maxChars Size) (string, error) {
	if maxChars == 0 {
		return "", nil
	}

	data, err := readExact(r, addr, maxChars*2)
	if err != nil {
		return "", err
	}

	units := make([]uint16, 0, maxChars)
	for i := 0; i+1 < len(data); i += 2 {
		u := binary.LittleEndian.Uint16(data[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}

	return string(utf16.Decode(units)), nil
}

// ReadPOINTER reads a native pointer from the specified address
func ReadPOINTER(r Reader, addr Address) (Address, error) {
	return ReadPointerSized(r, addr, PointerSize)
}

// ReadPointerSized reads a 4 or 8 byte pointer
func ReadPointerSized(r Reader, addr Address, ptrSize int) (Address, error) {
	if addr == 0 {
		return 0, errors.Wrap(ErrInvalidMemory, "invalid address: 0x0")
	}

	switch ptrSize {
	case 4:
		v, err := ReadUINT32(r, addr)
		return Address(v), err
	case 8:
		v, err := ReadUINT64(r, addr)
		return Address(v), err
	default:
		return 0, errors.Errorf("unsupported pointer size %d", ptrSize)
	}
}

// ReadPointers reads count consecutive native pointers starting at base
func ReadPointers(r Reader, base Address, count int) ([]Address, error) {
	if count <= 0 {
		return nil, nil
	}

	data, err := readExact(r, base, Size(count*PointerSize))
	if err != nil {
		return nil, err
	}

	results := make([]Address, count)
	for i := range results {
		results[i] = Address(binary.LittleEndian.Uint64(data[i*PointerSize:]))
	}
	return results, nil
}

// EncodePointer renders addr as a little-endian pointer of ptrSize bytes
func EncodePointer(addr Address, ptrSize int) ([]byte, error) {
	switch ptrSize {
	case 4:
		if uint64(addr) > math.MaxUint32 {
			return nil, errors.Wrapf(ErrOutOfRange, "%s does not fit a 4-byte pointer", addr)
		}
		out := make([]byte, 4)
		binary.LittleEndian.PutUint32(out, uint32(addr))
		return out, nil
	case 8:
		out := make([]byte, 8)
		binary.LittleEndian.PutUint64(out, uint64(addr))
		return out, nil
	default:
		return nil, errors.Errorf("unsupported pointer size %d", ptrSize)
	}
}
