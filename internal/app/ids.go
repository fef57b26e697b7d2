package app

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const transferIDNamespace = "transfer"

var ErrMissingIDSecret = errors.New("id derivation secret must not be empty")

// DeriveID returns a UUID that is a pure function of (secret, namespace, key).
// Third parties that do not hold the secret cannot predict it, so they cannot
// squat on the id of a transfer the connector is about to create.
func DeriveID(secret []byte, namespace, key string) (string, error) {
	if len(secret) == 0 {
		return "", ErrMissingIDSecret
	}

	namespaceKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(namespace)), namespaceKey); err != nil {
		return "", fmt.Errorf("expand id secret: %w", err)
	}

	id := uuid.NewHash(hmac.New(sha256.New, namespaceKey), uuid.NameSpaceURL, []byte(key), 5)
	return id.String(), nil
}
