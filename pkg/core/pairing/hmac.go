package pairing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ClaimMessage returns the signed claim payload: the UTF-8 bytes of
// deviceID, then childID, then the decoded nonce bytes. The hex text of the
// nonce is never part of the message.
func ClaimMessage(deviceID, childID string, nonce []byte) []byte {
	msg := make([]byte, 0, len(deviceID)+len(childID)+len(nonce))
	msg = append(msg, deviceID...)
	msg = append(msg, childID...)
	msg = append(msg, nonce...)
	return msg
}

// ComputeClaimHMAC returns the lowercase hex HMAC-SHA256 of the claim
// message keyed by key.
func ComputeClaimHMAC(key []byte, deviceID, childID string, nonce []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(ClaimMessage(deviceID, childID, nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyClaimHMAC compares hmacHex against the expected claim HMAC in
// constant time. hmacHex is matched case-insensitively.
func VerifyClaimHMAC(key []byte, deviceID, childID string, nonce []byte, hmacHex string) bool {
	got, err := hex.DecodeString(strings.ToLower(hmacHex))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(ClaimMessage(deviceID, childID, nonce))
	return hmac.Equal(mac.Sum(nil), got)
}
