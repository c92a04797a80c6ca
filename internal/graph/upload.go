package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

const (
	// simpleUploadMaxSize is the largest body sent as a single PUT.
	simpleUploadMaxSize = 4 * 1024 * 1024

	// chunkSize must be a multiple of 320 KiB.
	chunkSize = 32 * 320 * 1024

	cancelTimeout = 10 * time.Second

	conflictReplace = "replace"
	conflictRename  = "rename"
	conflictFail    = "fail"
)

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type uploadSessionResponse struct {
	UploadURL string `json:"uploadUrl"`
}

// UploadContent writes req.Content. Updates are conditional on
// req.ExpectedVersion through If-Match; creates fail or rename on a name
// collision according to req.Autorename.
func (s *Session) UploadContent(ctx context.Context, req backend.UploadRequest) (*backend.UploadResult, error) {
	target, behavior, err := s.uploadTarget(req)
	if err != nil {
		return nil, err
	}

	hdr := http.Header{}
	if req.ExpectedVersion != "" {
		hdr.Set("If-Match", req.ExpectedVersion)
	}

	s.logger.Info("uploading content",
		slog.String("file_id", req.FileID),
		slog.String("parent_id", req.ParentID),
		slog.String("name", req.Name),
		slog.Int64("size", req.Size),
	)

	var sum *quickXor
	if req.Content != nil {
		sum = newQuickXor()
		req.Content = io.TeeReader(req.Content, sum)
	}

	var dir *driveItemResponse
	if req.Size > simpleUploadMaxSize {
		dir, err = s.sessionUpload(ctx, target, behavior, hdr, req)
	} else {
		dir, err = s.simpleUpload(ctx, target, behavior, hdr, req.Content)
	}

	if err != nil {
		return nil, err
	}

	if err := s.verifyContent(dir, sum); err != nil {
		return nil, err
	}

	res := &backend.UploadResult{FileID: dir.ID, Name: dir.Name, VersionID: dir.ETag}
	if dir.ParentReference != nil {
		res.ParentID = dir.ParentReference.ID
	}

	return res, nil
}

// verifyContent compares the hash Graph computed for the stored file with
// the hash of the bytes sent. Items without a reported hash pass.
func (s *Session) verifyContent(dir *driveItemResponse, sum *quickXor) error {
	if sum == nil || dir.File == nil || dir.File.Hashes.QuickXorHash == "" {
		return nil
	}

	if got := sum.encoded(); got != dir.File.Hashes.QuickXorHash {
		s.logger.Error("uploaded content does not match",
			slog.String("file_id", dir.ID),
			slog.String("sent_hash", got),
			slog.String("stored_hash", dir.File.Hashes.QuickXorHash),
		)

		return fmt.Errorf("%w: %s", ErrContentMismatch, dir.ID)
	}

	return nil
}

func (s *Session) uploadTarget(req backend.UploadRequest) (string, string, error) {
	if req.FileID != "" {
		return fmt.Sprintf("%s/items/%s", s.drive, url.PathEscape(req.FileID)), conflictReplace, nil
	}

	if req.ParentID == "" || req.Name == "" {
		return "", "", errors.New("graph: upload needs a file id or a parent id and name")
	}

	behavior := conflictFail
	if req.Autorename {
		behavior = conflictRename
	}

	return fmt.Sprintf("%s/items/%s:/%s:", s.folderBase(req.ParentID), url.PathEscape(req.ParentID), url.PathEscape(req.Name)),
		behavior, nil
}

func (s *Session) simpleUpload(
	ctx context.Context, target, behavior string, hdr http.Header, body io.Reader,
) (*driveItemResponse, error) {
	hdr.Set("Content-Type", "application/octet-stream")

	path := target + "/content"
	if behavior != conflictReplace {
		path += "?@microsoft.graph.conflictBehavior=" + behavior
	}

	if body == nil {
		body = http.NoBody
	}

	resp, err := s.client.Do(ctx, http.MethodPut, path, body, hdr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dir driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&dir); err != nil {
		return nil, fmt.Errorf("graph: decoding upload response: %w", err)
	}

	return &dir, nil
}

// sessionUpload streams large content through a resumable upload session.
// The precondition is checked when the session is created.
func (s *Session) sessionUpload(
	ctx context.Context, target, behavior string, hdr http.Header, req backend.UploadRequest,
) (*driveItemResponse, error) {
	body, err := json.Marshal(createUploadSessionRequest{Item: uploadSessionItem{ConflictBehavior: behavior}})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	resp, err := s.client.Do(ctx, http.MethodPost, target+"/createUploadSession", bytes.NewReader(body), hdr)
	if err != nil {
		return nil, err
	}

	var sess uploadSessionResponse

	decErr := json.NewDecoder(resp.Body).Decode(&sess)
	resp.Body.Close()

	if decErr != nil {
		return nil, fmt.Errorf("graph: decoding upload session response: %w", decErr)
	}

	dir, err := s.uploadChunks(ctx, sess.UploadURL, req.Content, req.Size)
	if err != nil {
		s.cancelSession(sess.UploadURL)
		return nil, err
	}

	return dir, nil
}

func (s *Session) uploadChunks(ctx context.Context, uploadURL string, content io.Reader, total int64) (*driveItemResponse, error) {
	buf := make([]byte, chunkSize)

	for offset := int64(0); offset < total; {
		n, err := io.ReadFull(content, buf[:min(int64(chunkSize), total-offset)])
		if err != nil {
			return nil, fmt.Errorf("graph: reading upload content at %d: %w", offset, err)
		}

		hdr := http.Header{}
		hdr.Set("Content-Type", "application/octet-stream")
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, total))

		// The upload URL is pre-authenticated.
		resp, err := s.client.send(ctx, http.MethodPut, uploadURL, bytes.NewReader(buf[:n]), hdr, false)
		if err != nil {
			return nil, err
		}

		offset += int64(n)

		if resp.StatusCode == http.StatusAccepted {
			_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
			resp.Body.Close()

			s.logger.Debug("chunk accepted", slog.Int64("offset", offset), slog.Int64("total", total))

			continue
		}

		var dir driveItemResponse

		decErr := json.NewDecoder(resp.Body).Decode(&dir)
		resp.Body.Close()

		if decErr != nil {
			return nil, fmt.Errorf("graph: decoding final chunk response: %w", decErr)
		}

		return &dir, nil
	}

	return nil, errors.New("graph: upload session ended without an item")
}

// cancelSession discards a failed upload session so no partial content lingers.
func (s *Session) cancelSession(uploadURL string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	resp, err := s.client.send(ctx, http.MethodDelete, uploadURL, nil, nil, false)
	if err != nil {
		s.logger.Warn("canceling upload session failed", slog.String("error", err.Error()))
		return
	}

	resp.Body.Close()
}
