package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/gateway/apierror"
)

const (
	ProtocolVersionHeader    = "X-Device-Protocol"
	SupportedProtocolVersion = "1"
)

// ProtocolVersion rejects /v1 requests that declare a device protocol
// version other than the supported one. Requests without the header are
// treated as the supported version. Websocket upgrades are checked too.
func ProtocolVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isV1Path(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		versions := parseHeaderCSVValues(r.Header.Values(ProtocolVersionHeader))
		if len(versions) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		for _, version := range versions {
			if version != SupportedProtocolVersion {
				reqID, _ := RequestIDFrom(r.Context())
				ce := core.NewProtocolError("unsupported_version", "unsupported device protocol version")
				ce.Param = ProtocolVersionHeader
				ce.RequestID = reqID
				apierror.WriteError(w, http.StatusBadRequest, ce)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func parseHeaderCSVValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			out = append(out, trimmed)
		}
	}
	return out
}
