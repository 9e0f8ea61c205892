package httputil

import (
	"encoding/json"
	"net/http"
)

// DecodeJSON decodes r's body into dst, capping it at maxBytes (0 means
// unbounded) the same way the rest of this codebase guards request
// bodies.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// WriteJSON writes a JSON body with the given status code; every
// successful response shares the same {status: "ok"} tag alongside its
// own fields.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
