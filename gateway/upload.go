package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/guseggert/agentbridge/protocol"
	"github.com/julienschmidt/httprouter"
)

var errEmptyImage = errors.New("image data is empty")

// decodeImageData accepts plain base64 or a base64 data: URL.
func decodeImageData(data string) ([]byte, error) {
	if strings.HasPrefix(data, "data:") {
		header, payload, ok := strings.Cut(data, ",")
		if !ok {
			return nil, errors.New("data URL has no payload")
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, fmt.Errorf("data URL %q is not base64-encoded", header)
		}
		data = payload
	}
	if data == "" {
		return nil, errEmptyImage
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decoding base64: %w", err)
	}
	if len(b) == 0 {
		return nil, errEmptyImage
	}
	return b, nil
}

// uploadFileName keeps only the base name of the client-supplied name, prefixed so uploads never collide.
func uploadFileName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, `\`, "/")))
	if base == "/" || base == "." {
		base = "image"
	}
	return uuid.NewString() + "-" + base
}

func (g *Gateway) uploadImage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxUploadBytes)

	var req protocol.UploadImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		g.uploadFailed(w, status, fmt.Errorf("decoding request: %w", err))
		return
	}
	data, err := decodeImageData(req.Data)
	if err != nil {
		g.uploadFailed(w, http.StatusBadRequest, err)
		return
	}

	dir, err := filepath.Abs(g.cfg.UploadDir)
	if err != nil {
		g.uploadFailed(w, http.StatusInternalServerError, fmt.Errorf("resolving upload dir: %w", err))
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		g.uploadFailed(w, http.StatusInternalServerError, fmt.Errorf("creating upload dir: %w", err))
		return
	}
	path := filepath.Join(dir, uploadFileName(req.Name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		g.uploadFailed(w, http.StatusInternalServerError, fmt.Errorf("writing upload: %w", err))
		return
	}

	g.metrics.Upload(true)
	g.logger.Debugw("stored upload", "Path", path, "Bytes", len(data))
	writeJSON(g.logger, w, http.StatusOK, protocol.UploadImageResponse{Path: path})
}

func (g *Gateway) uploadFailed(w http.ResponseWriter, status int, err error) {
	g.metrics.Upload(false)
	g.logger.Debugw("upload failed", "Status", status, "Error", err)
	http.Error(w, err.Error(), status)
}
