package httputil

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetUintParameter reads an unsigned integer from the route parameters,
// falling back to the query string. A missing parameter returns fallback. A
// malformed one writes a 400 status code with the reason into the
// ResponseWriter and returns false.
func GetUintParameter(w http.ResponseWriter, r *http.Request, key string, bitSize int, fallback uint64) (uint64, zerolog.Logger, bool) {
	value := httprouter.ParamsFromContext(r.Context()).ByName(key)
	if value == "" {
		value = r.URL.Query().Get(key)
	}
	if value == "" {
		return fallback, log.With().Uint64(key, fallback).Logger(), true
	}
	v, err := strconv.ParseUint(value, 10, bitSize)
	if err != nil {
		http.Error(w, fmt.Sprintf("expected %s to be an unsigned integer", key), http.StatusBadRequest)
		return 0, zerolog.Nop(), false
	}
	return v, log.With().Uint64(key, v).Logger(), true
}
