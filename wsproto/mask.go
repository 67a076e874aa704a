package wsproto

import "crypto/rand"

// MaskKey is the 4-byte masking key applied to client-to-server payloads
// (RFC 6455 Section 5.3).
type MaskKey [4]byte

// NewMaskKey draws a fresh random masking key from crypto/rand, as RFC 6455
// Section 5.3 requires ("the masking key needs to be unpredictable").
func NewMaskKey() (MaskKey, error) {
	var key MaskKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// ApplyMask XORs data in place with key, cycling through its four bytes.
// The operation is its own inverse: ApplyMask(ApplyMask(p, k), k) == p.
func ApplyMask(data []byte, key MaskKey) {
	for i := range data {
		data[i] ^= key[i%4]
	}
}
