// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Git smart-HTTP surface (spec §6: "Git smart-HTTP under /git/{repo_id}.git/:
// info/refs, git-upload-pack, git-receive-pack"). Grounded on
// internal/githost/githost.go's servicePack/UploadPack/ReceivePack, which do
// the actual subprocess work; these handlers are the thin HTTP framing the
// protocol specifies (pkt-line service announcement header, then a
// streamed request/response body).
package apiserver

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func pktLine(s string) string {
	n := len(s) + 4
	return fmt.Sprintf("%04x%s", n, s)
}

// GitInfoRefs handles GET /git/{repo}.git/info/refs?service=git-upload-pack|git-receive-pack
func (h *Handlers) GitInfoRefs(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repo")
	service := r.URL.Query().Get("service")
	if service != "git-upload-pack" && service != "git-receive-pack" {
		writeErrJSON(w, http.StatusBadRequest, "unsupported or missing service parameter")
		return
	}
	op := service[len("git-"):]

	var out []byte
	var err error
	if op == "upload-pack" {
		out, err = h.git.UploadPack(r.Context(), repoID, []byte("0000"))
	} else {
		out, err = h.git.ReceivePack(r.Context(), repoID, []byte("0000"))
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, pktLine("# service="+service+"\n"))
	io.WriteString(w, "0000")
	w.Write(out)
}

// GitUploadPack handles POST /git/{repo}.git/git-upload-pack
func (h *Handlers) GitUploadPack(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repo")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrJSON(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	out, err := h.git.UploadPack(r.Context(), repoID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// GitReceivePack handles POST /git/{repo}.git/git-receive-pack
func (h *Handlers) GitReceivePack(w http.ResponseWriter, r *http.Request) {
	repoID := chi.URLParam(r, "repo")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrJSON(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	out, err := h.git.ReceivePack(r.Context(), repoID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}
