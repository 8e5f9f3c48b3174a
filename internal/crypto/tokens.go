// Package crypto implements arrival tokens, keyed lookup digests and export signatures.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

const (
	// ArrivalTokenPrefix starts every arrival token.
	ArrivalTokenPrefix = "MF-ARR-"
	// ExportSignaturePrefix starts every continuity export signature.
	ExportSignaturePrefix = "mfexp_"

	// no 0/O/1/I to keep tokens readable at the front desk
	tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	subkeyLen     = 32
)

// Subkey labels.
const (
	LabelArrivalLookup    = "kilnkeeper/arrival-lookup/v1"
	LabelContinuityExport = "kilnkeeper/continuity-export/v1"
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey derives a labelled subkey from the master secret via HKDF-SHA256.
func DeriveKey(master []byte, label string) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master secret")
	}
	r := hkdf.New(sha256.New, master, nil, []byte(label))
	key := make([]byte, subkeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewArrivalToken returns a token in the form MF-ARR-XXXX-XXXX.
func NewArrivalToken() (string, error) {
	raw, err := RandBytes(8)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(len(ArrivalTokenPrefix) + 9)
	sb.WriteString(ArrivalTokenPrefix)
	for i, b := range raw {
		if i == 4 {
			sb.WriteByte('-')
		}
		sb.WriteByte(tokenAlphabet[int(b)%len(tokenAlphabet)])
	}
	return sb.String(), nil
}

// NormalizeArrivalToken trims, uppercases and removes inner whitespace.
func NormalizeArrivalToken(token string) string {
	return strings.ToUpper(strings.Join(strings.Fields(token), ""))
}

// ValidArrivalToken reports whether token has the arrival token shape.
func ValidArrivalToken(token string) bool {
	t := NormalizeArrivalToken(token)
	if !strings.HasPrefix(t, ArrivalTokenPrefix) {
		return false
	}
	body := t[len(ArrivalTokenPrefix):]
	if len(body) != 9 || body[4] != '-' {
		return false
	}
	for i := 0; i < len(body); i++ {
		if i == 4 {
			continue
		}
		if !strings.ContainsRune(tokenAlphabet, rune(body[i])) {
			return false
		}
	}
	return true
}

// Digest returns hex(BLAKE2b-256 keyed with key over data).
func Digest(key, data []byte) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ArrivalLookupKey returns the keyed digest under which a token is indexed.
func ArrivalLookupKey(key []byte, token string) (string, error) {
	return Digest(key, []byte(NormalizeArrivalToken(token)))
}

// SignExport returns the mfexp_ signature over payload.
func SignExport(key, payload []byte) (string, error) {
	d, err := Digest(key, payload)
	if err != nil {
		return "", err
	}
	return ExportSignaturePrefix + d, nil
}

// VerifyExport reports whether sig is the signature of payload under key.
func VerifyExport(key, payload []byte, sig string) bool {
	want, err := SignExport(key, payload)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}
