package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON body into dst. An empty body is only accepted when
// allowEmpty is set.
func decodeJSON(r *http.Request, dst interface{}, allowEmpty bool) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return allowEmpty
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return allowEmpty && errors.Is(err, io.EOF)
	}
	return true
}

// queryInt parses a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
