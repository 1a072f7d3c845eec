// Package credential produces and verifies the scannable payload printed on an e-pass.
//
// The QR image encodes a compact HS256 token whose claims bind the pass id,
// the event id and the holder. A scanner posts the decoded token back and the
// server checks the signature before touching the pass, so a QR made from a
// retyped or guessed pass id is rejected.
package credential

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/skip2/go-qrcode"
)

const (
	issuer        = "campus-event-glow/epass"
	dataURLPrefix = "data:image/png;base64,"
)

// ErrInvalidToken is returned for tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("invalid pass credential")

// Claims identify exactly one pass.
type Claims struct {
	EventID string `json:"evt"`
	jwt.RegisteredClaims
}

// PassID returns the pass the token was issued for.
func (c *Claims) PassID() string { return c.ID }

// UserID returns the holder the token was issued to.
func (c *Claims) UserID() string { return c.Subject }

// Credential is a freshly generated pass credential.
type Credential struct {
	Token string
	PNG   []byte
}

// DataURL renders the PNG as an inline image URL, the form stored on the pass.
func (c *Credential) DataURL() string {
	return dataURLPrefix + base64.StdEncoding.EncodeToString(c.PNG)
}

// Generator signs pass tokens and renders them as QR codes.
type Generator struct {
	key  []byte
	size int
}

// NewGenerator returns a Generator signing with key and rendering size×size images.
func NewGenerator(key string, size int) *Generator {
	return &Generator{key: []byte(key), size: size}
}

// Token signs the claims for a pass. The same inputs always yield the same token.
func (g *Generator) Token(passID, eventID, userID string) (string, error) {
	claims := &Claims{
		EventID: eventID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      passID,
			Subject: userID,
			Issuer:  issuer,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign pass token: %w", err)
	}
	return token, nil
}

// Generate signs a token for the pass and encodes it into a QR PNG.
func (g *Generator) Generate(passID, eventID, userID string) (*Credential, error) {
	token, err := g.Token(passID, eventID, userID)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(token, qrcode.Medium, g.size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return &Credential{Token: token, PNG: png}, nil
}

// Verify checks the token signature and returns its claims.
func (g *Generator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return g.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ID == "" || claims.Subject == "" || claims.EventID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// DecodeDataURL extracts the PNG bytes from a stored QR data URL.
func DecodeDataURL(s string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(s, dataURLPrefix)
	if !ok {
		return nil, errors.New("qr code is not a png data url")
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode qr code: %w", err)
	}
	return png, nil
}
