// Package qr renders pairing tokens as scannable images.
package qr

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels of rendered codes.
const DefaultSize = 256

// ErrEmptyToken is returned when there is nothing to encode.
var ErrEmptyToken = errors.New("empty qr token")

// PNG encodes token as a PNG image. A non-positive size uses DefaultSize.
func PNG(token string, size int) ([]byte, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if size <= 0 {
		size = DefaultSize
	}

	png, err := qrcode.Encode(token, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}

// DataURL encodes token as a base64 PNG data URL for embedding in a page.
func DataURL(token string, size int) (string, error) {
	png, err := PNG(token, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
