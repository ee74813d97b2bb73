// Package model defines the domain types shared across Torii: MQTT identities,
// broker webhook envelopes, decision verdicts, and activity records.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for identity fields. The broker forwards client-supplied
// strings verbatim, so every column that stores one is bounded.
const (
	MaxUsernameLen = 100
	MaxClientIDLen = 256
)

// Identity is an MQTT credential record. The password is stored only as a
// bcrypt hash; pattern lists are ordered and an empty list means allow-all.
type Identity struct {
	ID                uuid.UUID  `json:"id"`
	Username          string     `json:"username"`
	PasswordHash      string     `json:"-"`
	AllowedClientID   *string    `json:"allowed_client_id,omitempty"`
	IsAdmin           bool       `json:"is_admin"`
	IsActive          bool       `json:"is_active"`
	PublishPatterns   []string   `json:"publish_patterns"`
	SubscribePatterns []string   `json:"subscribe_patterns"`
	MaxConnections    int        `json:"max_connections"`
	LoginCount        int64      `json:"login_count"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP       *string    `json:"last_login_ip,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ValidateUsername checks the username constraints shared by the admin surface
// and the seed path.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) > MaxUsernameLen {
		return fmt.Errorf("username exceeds maximum length of %d characters", MaxUsernameLen)
	}
	return nil
}

// ValidateIdentity checks the invariants every stored identity must satisfy.
func ValidateIdentity(id Identity) error {
	if err := ValidateUsername(id.Username); err != nil {
		return err
	}
	if id.PasswordHash == "" {
		return fmt.Errorf("password_hash must not be empty")
	}
	if id.AllowedClientID != nil && len(*id.AllowedClientID) > MaxClientIDLen {
		return fmt.Errorf("allowed_client_id exceeds maximum length of %d characters", MaxClientIDLen)
	}
	if id.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be non-negative")
	}
	return nil
}
