package service

import (
	"encoding/base64"
	"fmt"

	"novakeys/internal/domain"
)

func encodeKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

func decodeKey(in string) ([32]byte, error) {
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: malformed key: %v", domain.ErrInvalidRequest, err)
	}
	if len(data) != 32 {
		return [32]byte{}, fmt.Errorf("%w: key must be 32 bytes", domain.ErrInvalidRequest)
	}
	var out [32]byte
	copy(out[:], data)
	return out, nil
}
