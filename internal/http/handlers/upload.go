package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/danielgtaylor/huma/v2"
	_ "golang.org/x/image/webp"
	"golang.org/x/text/unicode/norm"

	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/storage"
)

// sniffLen bounds how much of an upload is read for container detection.
const sniffLen = 512

// UploadHandler handles input upload endpoints.
type UploadHandler struct {
	store       *storage.ArtifactStore
	maxFileSize int64
	logger      *slog.Logger
}

// NewUploadHandler creates a new upload handler.
func NewUploadHandler(store *storage.ArtifactStore, limits config.LimitsConfig, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{
		store:       store,
		maxFileSize: limits.MaxFileSize.Bytes(),
		logger:      logger,
	}
}

// Register registers the upload routes with the API.
func (h *UploadHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:      "uploadFiles",
		Method:           "POST",
		Path:             "/api/v1/uploads",
		Summary:          "Upload inputs",
		Description:      "Uploads clip and soundtrack files for later job creation. Content kind is detected from the payload, not the filename.",
		Tags:             []string{"Uploads"},
		DefaultStatus:    http.StatusCreated,
		RequestBody:      &huma.RequestBody{Content: map[string]*huma.MediaType{"multipart/form-data": {}}},
		SkipValidateBody: true,
	}, h.Upload)
}

// UploadedFile describes one stored upload.
type UploadedFile struct {
	ID          string             `json:"id" doc:"Artifact ID to reference in job creation"`
	Name        string             `json:"name"`
	ContentKind models.ContentKind `json:"content_kind"`
	Size        int64              `json:"size"`
}

// UploadInput is the input for uploading files.
type UploadInput struct {
	RawBody multipart.Form
}

// UploadOutput is the output for uploading files.
type UploadOutput struct {
	Body struct {
		Files []UploadedFile `json:"files"`
	}
}

// Upload stores each uploaded file as an unattached input artifact.
func (h *UploadHandler) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	files := input.RawBody.File["files"]
	if len(files) == 0 {
		return nil, huma.Error400BadRequest("no files provided; send them in the files form field")
	}

	resp := &UploadOutput{}
	resp.Body.Files = make([]UploadedFile, 0, len(files))
	for _, fh := range files {
		if h.maxFileSize > 0 && fh.Size > h.maxFileSize {
			return nil, huma.NewError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file %q is %d bytes; the limit is %s",
					fh.Filename, fh.Size, config.ByteSize(h.maxFileSize)))
		}

		artifact, err := h.saveOne(ctx, fh)
		if err != nil {
			return nil, err
		}

		h.logger.InfoContext(ctx, "upload stored",
			slog.String("artifact_id", artifact.ID.String()),
			slog.String("name", artifact.Name),
			slog.String("content_kind", string(artifact.ContentKind)),
			slog.Int64("size", artifact.Size))

		resp.Body.Files = append(resp.Body.Files, UploadedFile{
			ID:          artifact.ID.String(),
			Name:        artifact.Name,
			ContentKind: artifact.ContentKind,
			Size:        artifact.Size,
		})
	}

	return resp, nil
}

// saveOne sniffs one upload's content kind and streams it into the store.
func (h *UploadHandler) saveOne(ctx context.Context, fh *multipart.FileHeader) (*models.Artifact, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, huma.Error400BadRequest(fmt.Sprintf("opening uploaded file %q", fh.Filename), err)
	}
	defer file.Close()

	kind, err := sniffContentKind(file)
	if err != nil {
		return nil, huma.Error415UnsupportedMediaType(fmt.Sprintf("file %q: %s", fh.Filename, err))
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, huma.Error500InternalServerError("rewinding upload", err)
	}

	artifact, err := h.store.SaveUpload(ctx, sanitizeFilename(fh.Filename), kind, file)
	if err != nil {
		return nil, huma.Error503ServiceUnavailable("storing upload", err)
	}
	return artifact, nil
}

// sniffContentKind classifies an upload from its payload. Container magic
// identifies video and audio; anything else must decode as an image.
func sniffContentKind(file multipart.File) (models.ContentKind, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("reading upload: %w", err)
	}
	head = head[:n]

	if kind, ok := detectContainer(head); ok {
		return kind, nil
	}

	// Not a known A/V container: accept it if the stdlib (plus webp) can
	// decode it as an image.
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding upload: %w", err)
	}
	if _, _, err := image.DecodeConfig(file); err == nil {
		return models.ContentKindImage, nil
	}

	return "", errors.New("unrecognized payload: expected a video, audio or image file")
}

// detectContainer matches A/V container magic bytes.
func detectContainer(head []byte) (models.ContentKind, bool) {
	if len(head) < 12 {
		return "", false
	}

	switch {
	// ISO BMFF (mp4/mov/m4a): size box then "ftyp". The brand separates
	// audio-only containers from video.
	case bytes.Equal(head[4:8], []byte("ftyp")):
		if bytes.Equal(head[8:12], []byte("M4A ")) {
			return models.ContentKindAudio, true
		}
		return models.ContentKindVideo, true

	// Matroska / WebM EBML header.
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return models.ContentKindVideo, true

	// RIFF wraps both AVI (video) and WAVE (audio).
	case bytes.HasPrefix(head, []byte("RIFF")):
		switch {
		case bytes.Equal(head[8:12], []byte("AVI ")):
			return models.ContentKindVideo, true
		case bytes.Equal(head[8:12], []byte("WAVE")):
			return models.ContentKindAudio, true
		}
		return "", false

	case bytes.HasPrefix(head, []byte("ID3")):
		return models.ContentKindAudio, true

	// Bare MPEG audio frame sync (mp3 without an ID3 tag).
	case head[0] == 0xFF && (head[1] == 0xFB || head[1] == 0xF3 || head[1] == 0xF2):
		return models.ContentKindAudio, true

	case bytes.HasPrefix(head, []byte("fLaC")):
		return models.ContentKindAudio, true

	case bytes.HasPrefix(head, []byte("OggS")):
		return models.ContentKindAudio, true
	}

	return "", false
}

// sanitizeFilename normalizes an upload's client-supplied filename to a safe
// single path element. Unicode is NFC-normalized so the same name uploaded
// from different platforms lands on the same blob key.
func sanitizeFilename(name string) string {
	name = norm.NFC.String(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "upload"
	}
	return name
}
