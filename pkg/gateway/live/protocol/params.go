package protocol

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/core/ident"
)

const (
	MinChildAge = 3
	MaxChildAge = 13
)

var (
	streamDeviceID  = ident.Rule{Min: 8, Max: 32, Allowed: ident.DeviceID.Allowed, Pattern: ident.DeviceID.Pattern}
	streamChildID   = ident.Rule{Min: 1, Max: 50, Allowed: ident.ChildID.Allowed, Pattern: ident.ChildID.Pattern}
	streamChildName = ident.Rule{Min: 1, Max: 30}
)

// ConnectParams are the handshake query parameters of a streaming
// connection.
type ConnectParams struct {
	DeviceID  string
	ChildID   string
	ChildName string
	ChildAge  int
}

// ParseConnectParams validates the handshake query. ChildName is returned
// sanitized. The age bounds are a child-safety policy.
func ParseConnectParams(q url.Values) (ConnectParams, []core.FieldError) {
	var fields []core.FieldError
	add := func(fe *core.FieldError) {
		if fe != nil {
			fields = append(fields, *fe)
		}
	}

	p := ConnectParams{
		DeviceID: strings.TrimSpace(q.Get("device_id")),
		ChildID:  strings.TrimSpace(q.Get("child_id")),
	}
	add(streamDeviceID.Check("query.device_id", p.DeviceID))
	add(streamChildID.Check("query.child_id", p.ChildID))

	rawName := q.Get("child_name")
	if fe := streamChildName.Check("query.child_name", strings.TrimSpace(rawName)); fe != nil {
		add(fe)
	} else {
		p.ChildName = SanitizeChildName(rawName)
		if p.ChildName == "" {
			add(&core.FieldError{Kind: ident.KindBadFormat, Loc: "query.child_name", Msg: "must contain letters or digits"})
		}
	}

	rawAge := strings.TrimSpace(q.Get("child_age"))
	switch age, err := strconv.Atoi(rawAge); {
	case rawAge == "":
		add(&core.FieldError{Kind: ident.KindMissing, Loc: "query.child_age", Msg: "field required"})
	case err != nil:
		add(&core.FieldError{Kind: "int_parsing", Loc: "query.child_age", Msg: "must be an integer"})
	case age < MinChildAge:
		add(&core.FieldError{Kind: "less_than_min", Loc: "query.child_age", Msg: "must be at least " + strconv.Itoa(MinChildAge)})
	case age > MaxChildAge:
		add(&core.FieldError{Kind: "greater_than_max", Loc: "query.child_age", Msg: "must be at most " + strconv.Itoa(MaxChildAge)})
	default:
		p.ChildAge = age
	}
	return p, fields
}

// SanitizeChildName keeps ASCII letters, digits and single spaces.
func SanitizeChildName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	space := false
	for _, c := range name {
		switch {
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			b.WriteRune(c)
			space = false
		case c == ' ' && !space && b.Len() > 0:
			b.WriteRune(c)
			space = true
		}
	}
	out := strings.TrimRight(b.String(), " ")
	if utf8.RuneCountInString(out) > streamChildName.Max {
		out = strings.TrimRight(out[:streamChildName.Max], " ")
	}
	return out
}
