package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"
)

// CodeGenerator draws uniform numeric codes of a fixed length.
type CodeGenerator struct {
	digits int
	max    *big.Int
	rand   io.Reader
}

// NewCodeGenerator returns a generator for codes of the given length.
func NewCodeGenerator(digits int) (*CodeGenerator, error) {
	return newCodeGenerator(digits, rand.Reader)
}

func newCodeGenerator(digits int, r io.Reader) (*CodeGenerator, error) {
	if digits < MinDigits || digits > MaxDigits {
		return nil, fmt.Errorf("otp: code length %d out of range %d-%d", digits, MinDigits, MaxDigits)
	}
	return &CodeGenerator{
		digits: digits,
		max:    new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil),
		rand:   r,
	}, nil
}

// Digits returns the code length.
func (g *CodeGenerator) Digits() int { return g.digits }

// Generate returns a zero-padded code uniform over [0, 10^digits).
func (g *CodeGenerator) Generate() (string, error) {
	n, err := rand.Int(g.rand, g.max)
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", g.digits, n), nil
}

// GenerateExcept draws until the code differs from prev.
func (g *CodeGenerator) GenerateExcept(prev string) (string, error) {
	for {
		code, err := g.Generate()
		if err != nil {
			return "", err
		}
		if code != prev {
			return code, nil
		}
	}
}

// CodesEqual compares two codes in time independent of where they differ.
func CodesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ValidFormat reports whether code is exactly digits ASCII digits.
func ValidFormat(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
