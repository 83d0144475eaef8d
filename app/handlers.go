package app

import (
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/searchktools/cask-server/core"
	"github.com/searchktools/cask-server/core/http"
	"github.com/searchktools/cask-server/store"
)

// Storage is the part of the store the handlers use
type Storage interface {
	Insert(value []byte) (uint64, error)
	Get(id uint64) ([]byte, error)
}

const (
	defaultIndex = "Index."
	msgNotFound  = "Paste not found"
	msgEmptyBody = "Error: Zero length paste"
)

type handlers struct {
	db    Storage
	index []byte
	log   zerolog.Logger
}

// Index serves the index page, or a placeholder when there is none
func (h *handlers) Index(ctx *core.Context) {
	if len(h.index) == 0 {
		ctx.RespondString(http.StatusOK, defaultIndex)
		return
	}
	ctx.Respond(http.StatusOK, h.index)
}

// Get serves the paste named by the path, /<id> or /<id>/
func (h *handlers) Get(ctx *core.Context) {
	id, ok := parseID(ctx.Target())
	if !ok {
		ctx.Respond(http.StatusNotFound, nil)
		return
	}

	val, err := h.db.Get(id)
	switch {
	case err == nil:
		ctx.Respond(http.StatusOK, val)
	case errors.Is(err, store.ErrNotFound):
		ctx.RespondString(http.StatusNotFound, msgNotFound)
	default:
		h.log.Error().Err(err).Uint64("id", id).Msg("get paste")
		ctx.Respond(http.StatusInternalServerError, nil)
	}
}

// Post stores the request body and answers with its id
func (h *handlers) Post(ctx *core.Context) {
	body := ctx.Body()
	if len(body) == 0 {
		ctx.RespondString(http.StatusBadRequest, msgEmptyBody)
		return
	}

	id, err := h.db.Insert(body)
	if err != nil {
		h.log.Error().Err(err).Int("len", len(body)).Msg("insert paste")
		ctx.Respond(http.StatusInternalServerError, nil)
		return
	}
	ctx.Respond(http.StatusOK, strconv.AppendUint(nil, id, 10))
}

// parseID accepts "/" followed by decimal digits and at most one trailing
// slash. Ids too large for uint64 saturate to the largest id.
func parseID(target []byte) (uint64, bool) {
	if len(target) < 2 || target[0] != '/' {
		return 0, false
	}
	digits := target[1:]
	if n := len(target); n > 2 && target[n-1] == '/' {
		digits = target[1 : n-1]
	}

	var id uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		d := uint64(c - '0')
		if id > (^uint64(0)-d)/10 {
			return ^uint64(0), true
		}
		id = id*10 + d
	}
	return id, true
}
