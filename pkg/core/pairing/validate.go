package pairing

import (
	"encoding/hex"
	"fmt"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/ident"
)

// Field error kinds specific to hex-encoded claim fields.
const (
	KindHexInvalid   = "hex_invalid"
	KindHexOddLength = "hex_odd_length"
	KindHexLength    = "hex_length"
)

const (
	minNonceHex = 16
	maxNonceHex = 64
	hmacHexLen  = 64
)

// ClaimRequest is the device's proof-of-possession payload.
type ClaimRequest struct {
	DeviceID        string `json:"device_id"`
	ChildID         string `json:"child_id"`
	Nonce           string `json:"nonce"`
	HMACHex         string `json:"hmac_hex"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Validate checks every field and returns one error per failing field.
// The nonce is reported as a single failure even when several of its
// constraints fail; an odd-length nonce is always KindHexOddLength.
func (r ClaimRequest) Validate() []core.FieldError {
	var out []core.FieldError
	add := func(fe *core.FieldError) {
		if fe != nil {
			out = append(out, *fe)
		}
	}
	add(ident.DeviceID.Check("body.device_id", r.DeviceID))
	add(ident.ChildID.Check("body.child_id", r.ChildID))
	add(checkNonce("body.nonce", r.Nonce))
	add(checkHMACHex("body.hmac_hex", r.HMACHex))
	if r.FirmwareVersion != "" {
		add(ident.FirmwareVersion.Check("body.firmware_version", r.FirmwareVersion))
	}
	return out
}

// DecodeNonce returns the raw nonce bytes. It must only be called on a
// validated request.
func (r ClaimRequest) DecodeNonce() ([]byte, error) {
	return hex.DecodeString(r.Nonce)
}

func checkNonce(loc, nonce string) *core.FieldError {
	switch {
	case nonce == "":
		return &core.FieldError{Kind: ident.KindMissing, Loc: loc, Msg: "field required"}
	case len(nonce)%2 != 0:
		return &core.FieldError{Kind: KindHexOddLength, Loc: loc, Msg: "must have an even number of hex characters"}
	case len(nonce) < minNonceHex || len(nonce) > maxNonceHex:
		return &core.FieldError{Kind: KindHexLength, Loc: loc, Msg: fmt.Sprintf("must be %d-%d hex characters", minNonceHex, maxNonceHex)}
	case !isHex(nonce):
		return &core.FieldError{Kind: KindHexInvalid, Loc: loc, Msg: "must be hexadecimal"}
	}
	return nil
}

func checkHMACHex(loc, value string) *core.FieldError {
	switch {
	case value == "":
		return &core.FieldError{Kind: ident.KindMissing, Loc: loc, Msg: "field required"}
	case len(value) != hmacHexLen:
		return &core.FieldError{Kind: KindHexLength, Loc: loc, Msg: fmt.Sprintf("must be exactly %d hex characters", hmacHexLen)}
	case !isHex(value):
		return &core.FieldError{Kind: KindHexInvalid, Loc: loc, Msg: "must be hexadecimal"}
	}
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
