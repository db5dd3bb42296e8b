package security

import "crypto/sha256"

// KeySize is the AES-256 key length.
const KeySize = sha256.Size

// DeriveKey binds a key to both the host identity material and the stated
// message timestamp: SHA-256(material || timestamp).
func DeriveKey(material, timestamp string) []byte {
	sum := sha256.Sum256([]byte(material + timestamp))
	return sum[:]
}
