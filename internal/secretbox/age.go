package secretbox

import (
	"fmt"

	"filippo.io/age"
)

// GenerateAgeKey creates a fresh X25519 identity. The identity string is
// what gets sealed into the secrets store; the recipient string is safe
// to hand to whichever node encrypts.
func GenerateAgeKey() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generate age identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// ParseAgeRecipient parses an age1... recipient for encryption.
func ParseAgeRecipient(s string) (age.Recipient, error) {
	r, err := age.ParseX25519Recipient(s)
	if err != nil {
		return nil, fmt.Errorf("parse age recipient: %w", err)
	}
	return r, nil
}

// ParseAgeIdentity parses an AGE-SECRET-KEY-1... identity for decryption.
func ParseAgeIdentity(s string) (age.Identity, error) {
	id, err := age.ParseX25519Identity(s)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return id, nil
}

// RecipientForIdentity derives the public recipient from a stored
// identity, so config snapshots can carry only the encrypting half.
func RecipientForIdentity(s string) (string, error) {
	id, err := age.ParseX25519Identity(s)
	if err != nil {
		return "", fmt.Errorf("parse age identity: %w", err)
	}
	return id.Recipient().String(), nil
}
