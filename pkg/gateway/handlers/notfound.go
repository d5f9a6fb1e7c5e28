package handlers

import (
	"net/http"

	"github.com/vango-go/vai-toy/pkg/core"
	"github.com/vango-go/vai-toy/pkg/gateway/apierror"
	"github.com/vango-go/vai-toy/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	ce := core.NewNotFoundError("not found")
	ce.RequestID = reqID
	apierror.WriteError(w, http.StatusNotFound, ce)
}
