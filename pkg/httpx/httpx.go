package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"depanne-service/pkg/apperr"
)

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError maps err onto its status. Internal errors are logged with the
// request id, which is echoed back so support can correlate.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	body := map[string]string{
		"error":   string(kind),
		"message": apperr.Message(err),
	}
	if status >= http.StatusInternalServerError {
		reqID := chimw.GetReqID(r.Context())
		log.Printf("[http] %s %s failed (request_id=%s): %v", r.Method, r.URL.Path, reqID, err)
		body["request_id"] = reqID
	}
	WriteJSON(w, status, body)
}

// DecodeJSON decodes the request body into v. An empty body is allowed when
// optional is true.
func DecodeJSON(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return apperr.Validation("invalid body")
	}
	return nil
}
