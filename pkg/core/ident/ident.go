// Package ident holds the identifier rules shared by the claim protocol,
// token refresh and the streaming handshake.
package ident

import (
	"fmt"
	"unicode/utf8"

	"github.com/vango-go/vai-toy/pkg/core"
)

// Field error kinds reported by Rule.Check.
const (
	KindMissing   = "missing"
	KindTooShort  = "string_too_short"
	KindTooLong   = "string_too_long"
	KindBadFormat = "string_pattern_mismatch"
)

// Rule bounds a string identifier by length and charset.
type Rule struct {
	Min     int
	Max     int
	Allowed func(r rune) bool
	// Pattern describes Allowed for error messages.
	Pattern string
}

var (
	// DeviceID is the claim-time device identifier rule.
	DeviceID = Rule{Min: 8, Max: 64, Allowed: isIDRune, Pattern: "[A-Za-z0-9_-]"}
	// ChildID is the claim-time child identifier rule.
	ChildID = Rule{Min: 1, Max: 64, Allowed: isIDRune, Pattern: "[A-Za-z0-9_-]"}
	// FirmwareVersion applies when a firmware version is supplied.
	FirmwareVersion = Rule{Min: 1, Max: 32, Allowed: isVersionRune, Pattern: "[A-Za-z0-9._-]"}
)

// Check validates value and returns a field error located at loc, or nil.
func (r Rule) Check(loc, value string) *core.FieldError {
	n := utf8.RuneCountInString(value)
	switch {
	case n == 0 && r.Min > 0:
		return &core.FieldError{Kind: KindMissing, Loc: loc, Msg: "field required"}
	case n < r.Min:
		return &core.FieldError{Kind: KindTooShort, Loc: loc, Msg: fmt.Sprintf("must be at least %d characters", r.Min)}
	case r.Max > 0 && n > r.Max:
		return &core.FieldError{Kind: KindTooLong, Loc: loc, Msg: fmt.Sprintf("must be at most %d characters", r.Max)}
	}
	if r.Allowed != nil {
		for _, c := range value {
			if !r.Allowed(c) {
				return &core.FieldError{Kind: KindBadFormat, Loc: loc, Msg: "must match " + r.Pattern + "+"}
			}
		}
	}
	return nil
}

// Valid reports whether value satisfies r.
func (r Rule) Valid(value string) bool {
	return r.Check("", value) == nil
}

func isIDRune(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

func isVersionRune(c rune) bool {
	return isIDRune(c) || c == '.'
}
