// Package auth provides password hashing for MQTT identities and JWT-based
// authentication for the admin surface.
//
// Passwords use bcrypt: the hash string is self-describing (cost and salt
// embedded), verification is constant-time, and the work factor is a security
// property — verification is expected to cost single-digit milliseconds. The
// verdict cache exists partly to amortize that cost on the CONNECT hot path.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinHashCost is the lowest accepted bcrypt cost. Configured costs below this
// are raised to it.
const MinHashCost = 10

// HashPassword hashes a plaintext password with the given bcrypt cost.
func HashPassword(plaintext string, cost int) (string, error) {
	if cost < MinHashCost {
		cost = MinHashCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plaintext password against a stored bcrypt hash.
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// dummyHash is a fixed bcrypt hash of an unguessable value, used to equalize
// timing on the unknown-user path.
var dummyHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("torii-dummy-verify"), MinHashCost)
	if err != nil {
		panic(fmt.Sprintf("auth: generate dummy hash: %v", err))
	}
	return string(h)
}()

// DummyVerify performs a bcrypt comparison with the same cost as real
// verification. Call this on auth failure paths where no real hash was
// checked, so that response timing does not reveal whether a username exists.
func DummyVerify() {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte("dummy"))
}
