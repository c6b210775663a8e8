// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/lazyaf/core/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		apiLog.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func writeErrJSON(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the apperr.Kind taxonomy of spec §7 to an HTTP status: the
// one place kind codes become status codes, so handlers never hardcode them.
func writeError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindClientInput:
		writeErrJSON(w, http.StatusBadRequest, err.Error())
	case apperr.KindResourceUnavailable:
		writeErrJSON(w, http.StatusConflict, err.Error())
	case apperr.KindTransientRuntime:
		writeErrJSON(w, http.StatusServiceUnavailable, err.Error())
	case apperr.KindGit:
		writeErrJSON(w, http.StatusUnprocessableEntity, err.Error())
	case apperr.KindIntegrity, apperr.KindFatal:
		apiLog.Error().Err(err).Msg("internal error")
		writeErrJSON(w, http.StatusInternalServerError, "internal server error")
	default:
		apiLog.Error().Err(err).Msg("unclassified error")
		writeErrJSON(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrJSON(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
