package api

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSignatureMissing   = errors.New("notification is not signed")
	ErrSignatureMalformed = errors.New("signature is not a detached compact JWS")
	ErrNoLedgerKey        = errors.New("no notification key for ledger")
)

// SignatureVerifier checks detached JWS signatures on ledger notifications.
// The signed payload is the notification without its signature field,
// serialized with sorted keys.
type SignatureVerifier struct {
	keys     map[string]*rsa.PublicKey
	prefixes []string
	parser   *jwt.Parser
}

// NewSignatureVerifier parses one PEM public key per ledger URI.
func NewSignatureVerifier(pemKeys map[string]string) (*SignatureVerifier, error) {
	v := &SignatureVerifier{
		keys:   make(map[string]*rsa.PublicKey, len(pemKeys)),
		parser: jwt.NewParser(),
	}
	for ledger, pemKey := range pemKeys {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
		if err != nil {
			return nil, fmt.Errorf("notification key for %s: %w", ledger, err)
		}
		ledger = strings.TrimSuffix(ledger, "/")
		v.keys[ledger] = key
		v.prefixes = append(v.prefixes, ledger)
	}
	// Longest prefix wins.
	sort.Slice(v.prefixes, func(i, j int) bool { return len(v.prefixes[i]) > len(v.prefixes[j]) })
	return v, nil
}

func (v *SignatureVerifier) keyFor(ledger string) (*rsa.PublicKey, bool) {
	ledger = strings.TrimSuffix(ledger, "/")
	if key, ok := v.keys[ledger]; ok {
		return key, true
	}
	for _, prefix := range v.prefixes {
		if strings.HasPrefix(ledger, prefix+"/") {
			return v.keys[prefix], true
		}
	}
	return nil, false
}

// Verify checks signature over raw, the notification body as received.
func (v *SignatureVerifier) Verify(raw []byte, ledger, signature string) error {
	if signature == "" {
		return ErrSignatureMissing
	}
	parts := strings.Split(signature, ".")
	if len(parts) != 3 || parts[1] != "" {
		return ErrSignatureMalformed
	}
	key, ok := v.keyFor(ledger)
	if !ok {
		return fmt.Errorf("%w %s", ErrNoLedgerKey, ledger)
	}

	headerJSON, err := v.parser.DecodeSegment(parts[0])
	if err != nil {
		return fmt.Errorf("decode signature header: %w", err)
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return fmt.Errorf("decode signature header: %w", err)
	}
	var method jwt.SigningMethod
	switch header.Alg {
	case jwt.SigningMethodPS256.Alg():
		method = jwt.SigningMethodPS256
	case jwt.SigningMethodRS256.Alg():
		method = jwt.SigningMethodRS256
	default:
		return fmt.Errorf("unsupported signature algorithm %q", header.Alg)
	}

	payload, err := canonicalPayload(raw)
	if err != nil {
		return err
	}
	sig, err := v.parser.DecodeSegment(parts[2])
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	signingString := parts[0] + "." + base64.RawURLEncoding.EncodeToString(payload)
	return method.Verify(signingString, sig, key)
}

// canonicalPayload drops the signature field and re-serializes the body with
// sorted keys, keeping numbers exactly as sent.
func canonicalPayload(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode notification for signature: %w", err)
	}
	delete(body, "signature")
	return json.Marshal(body)
}
