package rooms

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/middleware"
	roomsvc "fleetingfiles/rooms"
	"fleetingfiles/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

// multipartOverhead is the slack allowed on top of the upload cap for the
// multipart framing around the file part.
const multipartOverhead = 1 << 20

type (
	credentials struct {
		Name       string `json:"name"`
		Passphrase string `json:"passphrase"`
	}

	roomResponse struct {
		Room      string    `json:"room"`
		ExpiresAt time.Time `json:"expiresAt"`
		Token     string    `json:"token"`
	}

	errorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// writeError maps the error taxonomy onto status codes. Conditions that end
// a membership also clear the session cookie so the client rejoins.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := http.StatusInternalServerError, "internal", "Something went wrong"

	switch {
	case errors.Is(err, core.ErrNameTaken):
		status, code, message = http.StatusConflict, "name_taken", "A room with this name already exists"
	case errors.Is(err, core.ErrInvalidCredentials):
		status, code, message = http.StatusUnauthorized, "invalid_credentials", "Invalid room name or passphrase"
	case errors.Is(err, core.ErrNoActiveRoom):
		middleware.ClearSessionCookie(w)
		status, code, message = http.StatusUnauthorized, "unauthorized", "Join or create a room first"
	case errors.Is(err, core.ErrRoomExpired):
		middleware.ClearSessionCookie(w)
		status, code, message = http.StatusGone, "room_expired", "The room has expired, join or create a room"
	case errors.Is(err, core.ErrOversize):
		status, code, message = http.StatusRequestEntityTooLarge, "too_large", "File exceeds the upload size limit"
	case errors.Is(err, core.ErrNoFile):
		status, code, message = http.StatusBadRequest, "no_file", "No file found"
	case errors.Is(err, core.ErrInvalidInput):
		status, code, message = http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, core.ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", "File not found"
	case errors.Is(err, core.ErrStoreUnavailable), errors.Is(err, core.ErrPartialFailure):
		status, code, message = http.StatusServiceUnavailable, "store_unavailable", "Storage is unavailable, try again"
	}

	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: code, Message: message})
}

// decodeCredentials accepts a JSON body or a form post.
func decodeCredentials(r *http.Request) (credentials, error) {
	var c credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&c); err != nil {
			return c, core.ErrInvalidInput
		}
		return c, nil
	}
	c.Name = r.FormValue("name")
	c.Passphrase = r.FormValue("passphrase")
	return c, nil
}

func respondWithSession(w http.ResponseWriter, r *http.Request, status int, token string, room *core.Room) {
	middleware.SetSessionCookie(w, r, token, room.ExpiresAt)
	render.Status(r, status)
	render.JSON(w, r, roomResponse{Room: room.Name, ExpiresAt: room.ExpiresAt, Token: token})
}

func HandleCreateRoom(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := decodeCredentials(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		token, room, err := svc.CreateRoom(r.Context(), c.Name, c.Passphrase)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondWithSession(w, r, http.StatusCreated, token, room)
	}
}

func HandleJoinRoom(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := decodeCredentials(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		token, room, err := svc.JoinRoom(r.Context(), c.Name, c.Passphrase)
		if err != nil {
			writeError(w, r, err)
			return
		}
		respondWithSession(w, r, http.StatusOK, token, room)
	}
}

// HandleLeaveRoom needs no valid session; leaving only drops the cookie.
func HandleLeaveRoom(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.LeaveRoom(r.Context(), middleware.SessionFromContext(r.Context()))
		middleware.ClearSessionCookie(w)
		render.NoContent(w, r)
	}
}

func HandleDeleteRoom(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteRoom(r.Context(), middleware.SessionFromContext(r.Context())); err != nil {
			writeError(w, r, err)
			return
		}
		middleware.ClearSessionCookie(w)
		render.NoContent(w, r)
	}
}

// HandleUpload streams the multipart field "document" into the room.
func HandleUpload(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := middleware.SessionFromContext(r.Context())
		r.Body = http.MaxBytesReader(w, r.Body, svc.MaxUploadSize()+multipartOverhead)

		reader, err := r.MultipartReader()
		if err != nil {
			writeError(w, r, core.ErrNoFile)
			return
		}

		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				writeError(w, r, core.ErrNoFile)
				return
			}
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					writeError(w, r, core.ErrOversize)
					return
				}
				writeError(w, r, core.ErrNoFile)
				return
			}
			if part.FormName() != "document" {
				part.Close()
				continue
			}

			file, err := svc.Upload(r.Context(), sess, part.FileName(), part.Header.Get("Content-Type"), part)
			part.Close()
			if err != nil {
				writeError(w, r, err)
				return
			}
			render.Status(r, http.StatusCreated)
			render.JSON(w, r, file)
			return
		}
	}
}

func HandleListFiles(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := svc.ListFiles(r.Context(), middleware.SessionFromContext(r.Context()))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if files == nil {
			files = []*core.File{}
		}
		render.JSON(w, r, files)
	}
}

// HandleDownload redirects to a freshly issued short-lived link.
func HandleDownload(svc *roomsvc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := chi.URLParam(r, "fileID")
		link, err := svc.Download(r.Context(), middleware.SessionFromContext(r.Context()), fileID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, link, http.StatusFound)
	}
}

// Routes returns the room API, mounted under /api.
func Routes(svc *roomsvc.Service, sessions *session.Manager) chi.Router {
	r := chi.NewRouter()

	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", HandleCreateRoom(svc))
		r.Post("/join", HandleJoinRoom(svc))
		r.Post("/leave", HandleLeaveRoom(svc))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireMembership(sessions))
		r.Route("/room", func(r chi.Router) {
			r.Delete("/", HandleDeleteRoom(svc))
			r.Route("/files", func(r chi.Router) {
				r.Get("/", HandleListFiles(svc))
				r.Post("/", HandleUpload(svc))
				r.Get("/{fileID}", HandleDownload(svc))
			})
		})
	})

	return r
}
