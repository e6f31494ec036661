package tokens

import (
	"encoding/base64"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// URIPrefix is the scheme clients scan; only the token id follows it.
const URIPrefix = "careconnect://qr/"

// Renderer turns a token id into something a patient can show or print.
// It is never given the resource or scope.
type Renderer interface {
	Render(tokenID string) (string, error)
}

// QRRenderer renders a base64 PNG QR code of URIPrefix+tokenID.
type QRRenderer struct {
	Size  int
	Level qrcode.RecoveryLevel
}

func NewQRRenderer() *QRRenderer {
	return &QRRenderer{Size: 256, Level: qrcode.Medium}
}

func (r *QRRenderer) Render(tokenID string) (string, error) {
	png, err := qrcode.Encode(TokenURI(tokenID), r.Level, r.Size)
	if err != nil {
		return "", fmt.Errorf("render qr: %w", err)
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// URIRenderer returns the bare deep link. Useful for clients that draw the code themselves.
type URIRenderer struct{}

func (URIRenderer) Render(tokenID string) (string, error) {
	return TokenURI(tokenID), nil
}

func TokenURI(tokenID string) string {
	return URIPrefix + tokenID
}
