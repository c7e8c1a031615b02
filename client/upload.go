package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/agentbridge/protocol"
	"github.com/guseggert/agentbridge/transport"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Uploader stores images on the gateway host, so the agent can read them as file attachments.
type Uploader struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL   string
	customize func(*retryablehttp.Client)
}

type UploaderOption func(u *Uploader)

// WithUploaderRetryableClient customizes the retrying client, e.g. to change the retry policy.
func WithUploaderRetryableClient(f func(r *retryablehttp.Client)) UploaderOption {
	return func(u *Uploader) {
		u.customize = f
	}
}

// NewUploader creates an uploader for the gateway at baseURL, e.g. "http://localhost:3000".
func NewUploader(log *zap.SugaredLogger, baseURL string, opts ...UploaderOption) *Uploader {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	u := &Uploader{
		Logger:  log.Named("uploader"),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, o := range opts {
		o(u)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryWaitMin = 50 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.RetryMax = 3
	retryClient.Logger = transport.PrintfLogger(u.Logger)
	if u.customize != nil {
		u.customize(retryClient)
	}
	u.HTTPClient = retryClient.StandardClient()
	return u
}

// UploadImage stores data under name and returns the path on the gateway host.
func (u *Uploader) UploadImage(ctx context.Context, data []byte, name string) (string, error) {
	body, err := json.Marshal(protocol.UploadImageRequest{
		Data: base64.StdEncoding.EncodeToString(data),
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("encoding upload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/api/upload-image", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var msg string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			msg = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			msg = strings.TrimSpace(string(b))
		}
		return "", fmt.Errorf("non-200 HTTP status code %d received when uploading image: %s", resp.StatusCode, msg)
	}

	var uploaded protocol.UploadImageResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}
	u.Logger.Debugw("uploaded image", "Name", name, "Path", uploaded.Path, "Bytes", len(data))
	return uploaded.Path, nil
}
