package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"roomrelay/internal/http/respond"
	"roomrelay/internal/ws"
)

type RoomsAPI struct {
	Reg *ws.Registry
	Log *slog.Logger
}

type createRoomResp struct {
	Code string `json:"code"`
}

type validateRoomResp struct {
	Valid bool `json:"valid"`
}

// Create issues a new room code. POST only.
func (a *RoomsAPI) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		notFound(w, r)
		return
	}
	code, err := a.Reg.Create()
	if errors.Is(err, ws.ErrCodeSpaceExhausted) {
		a.Log.Warn("room.create.exhausted")
		respond.Error(w, http.StatusServiceUnavailable, "No room codes available")
		return
	}
	if err != nil {
		respond.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond.JSON(w, http.StatusOK, createRoomResp{Code: code})
}

// Validate reports whether a 4-digit room code is live. GET only.
func (a *RoomsAPI) Validate(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if r.Method != http.MethodGet || !isRoomCode(code) {
		notFound(w, r)
		return
	}
	respond.JSON(w, http.StatusOK, validateRoomResp{Valid: a.Reg.Validate(code)})
}

func isRoomCode(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// notFound is the catch-all for unknown paths and methods
func notFound(w http.ResponseWriter, _ *http.Request) {
	respond.Error(w, http.StatusNotFound, "Not found")
}
