package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
)

// OutcomeResponse is the JSON body of every modeled outcome, Blocked
// included: a refusal is an answer, not an HTTP error.
type OutcomeResponse struct {
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
	FileID          string `json:"file_id,omitempty"`
	VersionID       string `json:"version_id,omitempty"`
	OriginalID      string `json:"original_id,omitempty"`
	NewID           string `json:"new_id,omitempty"`
	NewName         string `json:"new_name,omitempty"`
	FolderID        string `json:"folder_id,omitempty"`
	InPrivateFolder bool   `json:"in_private_folder,omitempty"`
}

// NewOutcomeResponse renders an outcome for HTTP and CLI JSON output.
func NewOutcomeResponse(out *resolver.Outcome) OutcomeResponse {
	return OutcomeResponse{
		Outcome:         out.Kind.String(),
		Reason:          string(out.Reason),
		FileID:          out.FileID,
		VersionID:       out.VersionID,
		OriginalID:      out.OriginalID,
		NewID:           out.NewID,
		NewName:         out.NewName,
		FolderID:        out.FolderID,
		InPrivateFolder: out.InPrivateFolder,
	}
}

// handleUpload takes the target from query parameters:
//
//	file_id          update target (empty for a create)
//	folder_id, name  create target; name may come from the multipart filename
//	base_change_id   version the client last read
//	session_id       editing session (also X-Session-Id)
//	force_fork       "upload as copy" after a Blocked outcome
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	q := r.URL.Query()

	in := &conflict.Intent{
		UserID:       userID,
		AccountID:    chi.URLParam(r, "account"),
		FileID:       q.Get("file_id"),
		FolderID:     q.Get("folder_id"),
		FileName:     q.Get("name"),
		BaseChangeID: q.Get("base_change_id"),
		Actor:        userID,
		SessionID:    q.Get("session_id"),
	}

	if in.SessionID == "" {
		in.SessionID = r.Header.Get("X-Session-Id")
	}

	if v := q.Get("force_fork"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "force_fork must be a boolean")
			return
		}

		in.ForceFork = force
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)

	body, filename, err := uploadBody(r)
	if err != nil {
		s.writeBodyError(w, err)
		return
	}
	defer body.Close()

	if in.FileName == "" {
		in.FileName = filename
	}

	if in.FileID == "" && (in.FolderID == "" || in.FileName == "") {
		writeError(w, http.StatusBadRequest, "invalid_request", "file_id or folder_id and name are required")
		return
	}

	spool, size, err := s.spool(body)
	if err != nil {
		s.writeBodyError(w, err)
		return
	}
	defer s.discard(spool)

	in.Content = spool
	in.Size = size

	out, err := s.up.Upload(r.Context(), in)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, NewOutcomeResponse(out))
}

// uploadBody returns the content stream: the "file" part of a multipart
// form, or the raw body otherwise.
func uploadBody(r *http.Request) (io.ReadCloser, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")) //nolint:errcheck // raw body when unparseable
	if mediaType != "multipart/form-data" {
		return r.Body, "", nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", fmt.Errorf("reading multipart body: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, "", errors.New("multipart body has no file part")
		}

		if err != nil {
			return nil, "", fmt.Errorf("reading multipart body: %w", err)
		}

		if part.FormName() == "file" {
			return part, part.FileName(), nil
		}

		part.Close()
	}
}

// spool copies the body to a temp file; resolvers need to rewind content
// when a write is retried or a fork name is re-probed.
func (s *Server) spool(body io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp(s.cfg.SpoolDir, "cloudbridge-upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("creating spool file: %w", err)
	}

	n, err := io.Copy(f, body)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}

	if err != nil {
		s.discard(f)
		return nil, 0, err
	}

	return f, n, nil
}

func (s *Server) discard(f *os.File) {
	name := f.Name()
	f.Close()

	if err := os.Remove(name); err != nil {
		s.logger.Warn("removing spool file", slog.String("path", name), slog.String("error", err.Error()))
	}
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))

		return
	}

	writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
}
