package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// claimCodeLength is the number of uppercase hex characters in a claim
	// code; 8 characters give ~4.3 billion combinations.
	claimCodeLength = 8

	defaultCodeGenerationAttempts = 5
)

// ErrCodeGenerationExhausted signals that the generator could not produce a
// unique code within its attempt budget. This is fatal, not transient: either
// the code space is saturated or the uniqueness check is broken.
var ErrCodeGenerationExhausted = errors.New("claim code generation exhausted")

// ExistsFunc reports whether a candidate code already exists in the durable
// store. It receives the code's fingerprint, not the code itself.
type ExistsFunc func(ctx context.Context, fingerprint string) (bool, error)

// CodeGenerator produces collision-checked claim codes and their one-way
// hashes. Codes are case-normalized before hashing and comparison so that a
// recipient typing in lowercase is not penalized.
type CodeGenerator struct {
	maxAttempts int
	bcryptCost  int
}

// NewCodeGenerator creates a generator with the given attempt budget.
// maxAttempts <= 0 selects the default.
func NewCodeGenerator(maxAttempts int) *CodeGenerator {
	if maxAttempts <= 0 {
		maxAttempts = defaultCodeGenerationAttempts
	}
	return &CodeGenerator{maxAttempts: maxAttempts, bcryptCost: bcrypt.DefaultCost}
}

// Generate returns a fresh claim code that does not collide with any code
// already in the store, or ErrCodeGenerationExhausted after the attempt
// budget is spent.
func (g *CodeGenerator) Generate(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", fmt.Errorf("generate claim code: %w", err)
		}
		taken, err := exists(ctx, Fingerprint(code))
		if err != nil {
			return "", fmt.Errorf("check claim code uniqueness: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeGenerationExhausted
}

// Hash returns the bcrypt hash of the normalized code. bcrypt is chosen
// deliberately: the hash must be slow and salted, because the stored value
// guards money.
func (g *CodeGenerator) Hash(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(NormalizeCode(code)), g.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash claim code: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether the submitted code matches the stored hash.
func (g *CodeGenerator) Verify(code, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(NormalizeCode(code))) == nil
}

// NormalizeCode uppercases and trims a submitted code so transcription
// differences in case or surrounding whitespace are tolerated.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Fingerprint returns the deterministic SHA-256 fingerprint of the
// normalized code. It exists only for collision checks; verification always
// runs against the salted bcrypt hash.
func Fingerprint(code string) string {
	sum := sha256.Sum256([]byte(NormalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	buf := make([]byte, claimCodeLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
