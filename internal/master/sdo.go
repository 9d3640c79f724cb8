package master

import (
	"context"
	"encoding/binary"
	"fmt"

	"bytemomo/ecmaster/internal/ecerr"
)

// SDO is raw object dictionary access. *SlaveRef implements it.
type SDO interface {
	Upload(ctx context.Context, index uint16, sub uint8) ([]byte, error)
	Download(ctx context.Context, index uint16, sub uint8, data []byte) error
}

// Value is a fixed-width object dictionary type.
type Value interface {
	~bool | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// ReadSDO reads index:sub and decodes it as T.
func ReadSDO[T Value](ctx context.Context, s SDO, index uint16, sub uint8) (T, error) {
	var v T
	b, err := s.Upload(ctx, index, sub)
	if err != nil {
		return v, err
	}
	if want := binary.Size(v); len(b) != want {
		return v, ecerr.E("sdo", ecerr.KindProtocol,
			fmt.Errorf("%04X:%02X: got %d bytes, want %d for %T", index, sub, len(b), want, v))
	}
	if _, err := binary.Decode(b, binary.LittleEndian, &v); err != nil {
		return v, ecerr.E("sdo", ecerr.KindProtocol, fmt.Errorf("%04X:%02X: %w", index, sub, err))
	}
	return v, nil
}

// WriteSDO encodes v and writes it to index:sub.
func WriteSDO[T Value](ctx context.Context, s SDO, index uint16, sub uint8, v T) error {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		return fmt.Errorf("%04X:%02X: %w", index, sub, err)
	}
	return s.Download(ctx, index, sub, b)
}

// ReadSDOString reads a visible string object. Trailing NULs are dropped.
func ReadSDOString(ctx context.Context, s SDO, index uint16, sub uint8) (string, error) {
	b, err := s.Upload(ctx, index, sub)
	if err != nil {
		return "", err
	}
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b), nil
}
