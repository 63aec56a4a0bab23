package accesscode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const (
	// Alphabet is the 36-symbol set codes are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// BuyerPrefix starts every buyer code.
	BuyerPrefix = "BUY"
	// BuyerRandomLength is the number of random characters after BuyerPrefix.
	BuyerRandomLength = 6
	// SellerCodeLength is the length of a seller code.
	SellerCodeLength = 8
	// MaxAttempts bounds collision retries when minting a unique code.
	MaxAttempts = 10
)

// ErrGenerationExhausted signals MaxAttempts consecutive collisions.
var ErrGenerationExhausted = errors.New("accesscode: code generation exhausted")

// Generator draws random codes from Alphabet.
type Generator struct {
	source io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{source: rand.Reader}
}

// NewGeneratorFrom returns a generator reading randomness from source.
func NewGeneratorFrom(source io.Reader) *Generator {
	return &Generator{source: source}
}

// BuyerCode returns BuyerPrefix followed by BuyerRandomLength random characters.
func (g *Generator) BuyerCode() (string, error) {
	suffix, err := g.random(BuyerRandomLength)
	if err != nil {
		return "", err
	}
	return BuyerPrefix + suffix, nil
}

// SellerCode returns SellerCodeLength random characters.
func (g *Generator) SellerCode() (string, error) {
	return g.random(SellerCodeLength)
}

func (g *Generator) random(n int) (string, error) {
	max := big.NewInt(int64(len(Alphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(g.source, max)
		if err != nil {
			return "", fmt.Errorf("accesscode: read random: %w", err)
		}
		sb.WriteByte(Alphabet[idx.Int64()])
	}
	return sb.String(), nil
}

// MintUnique draws candidates from next until claim accepts one. claim reports false
// when the candidate collides with an existing code.
func MintUnique(next func() (string, error), claim func(code string) (bool, error)) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		code, err := next()
		if err != nil {
			return "", err
		}
		ok, err := claim(code)
		if err != nil {
			return "", err
		}
		if ok {
			return code, nil
		}
	}
	return "", ErrGenerationExhausted
}
