package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var ErrInvalidLength = errors.New("length must be positive")

var randReader io.Reader = rand.Reader

func readRandom(r io.Reader, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrInvalidLength
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return buf, nil
}
