package pairing

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeriveOOBSecret returns the out-of-band secret for deviceID as 64
// uppercase hex characters. Device firmware derives the same value from the
// shared salt, so the secret is never stored or transmitted.
//
// The scheme is only as strong as the secrecy of salt: anyone holding the
// salt can derive the secret of every device whose id they can guess.
func DeriveOOBSecret(deviceID, salt string) string {
	secret := deriveOOBSecret(deviceID, salt)
	return strings.ToUpper(hex.EncodeToString(secret[:]))
}

// OOBSecretKey returns the 32 raw secret bytes used as the claim HMAC key.
func OOBSecretKey(deviceID, salt string) []byte {
	secret := deriveOOBSecret(deviceID, salt)
	return secret[:]
}

func deriveOOBSecret(deviceID, salt string) [sha256.Size]byte {
	h1 := sha256.Sum256([]byte(deviceID + ":" + salt))
	return sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + salt))
}
