package api

import (
	"encoding/json"
	"io"
	"net/http"

	"crybin/cfg"
	"crybin/pkg/domain"
	"crybin/pkg/format"
	"crybin/svc/svc"
	"crybin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateResp struct {
	Status      int    `json:"status"`
	ID          string `json:"id"`
	URL         string `json:"url"`
	DeleteToken string `json:"deletetoken,omitempty"`
}

type ReadResp struct {
	Status int `json:"status"`
	*domain.PasteView
}

type DeleteReq struct {
	DeleteToken string `json:"deletetoken"`
}

// Create stores a paste, or a comment when the envelope names a pasteid.
func (h *Hdl) Create(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SizeLimit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn().Int64("limit", h.cfg.SizeLimit).Msg("submission exceeds size limit")
			writeErr(w, r, domain.ErrPasteTooLarge)
			return
		}
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}
	e, err := format.Parse(body)
	if err != nil || e == nil {
		log.Warn().Err(err).Msg("invalid request body")
		writeErr(w, r, domain.ErrInvalidRequest)
		return
	}

	if _, isComment := e["pasteid"]; isComment {
		id, err := h.paste.CreateComment(r.Context(), e)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		var pasteID string
		json.Unmarshal(e["pasteid"], &pasteID)
		log.Info().Str("paste_id", pasteID).Str("comment_id", id).Msg("comment created")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(CreateResp{ID: id, URL: "/?" + pasteID})
		return
	}

	id, token, err := h.paste.Create(r.Context(), e)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	log.Info().Str("paste_id", id).Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: id, URL: "/?" + id, DeleteToken: token})
}

func (h *Hdl) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := h.paste.Get(r.Context(), id)
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("paste_id", id).Msg("read failed")
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(ReadResp{PasteView: view})
}

// Delete takes the token from the deletetoken query parameter, the
// X-Delete-Token header or a JSON body, in that order.
func (h *Hdl) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := r.URL.Query().Get("deletetoken")
	if token == "" {
		token = r.Header.Get("X-Delete-Token")
	}
	if token == "" && r.Body != nil {
		var req DeleteReq
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err == nil {
			token = req.DeleteToken
		}
	}
	if token == "" {
		writeErr(w, r, domain.ErrInvalidDeleteToken)
		return
	}
	if err := h.paste.Delete(r.Context(), id, token); err != nil {
		hlog.FromRequest(r).Debug().Err(err).
			Str("paste_id", id).
			Str("token", util.RedactToken(token)).
			Msg("delete refused")
		writeErr(w, r, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"status": 0, "id": id})
}

// writeErr answers with the public form of err. Backend causes are logged
// and never sent.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	statusCode := domain.Status(err)
	if statusCode >= 500 {
		util.Error().
			Err(domain.Backend(err)).
			Str("request_id", util.GetRequestID(r.Context())).
			Msg("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(domain.ToResp(err))
}
