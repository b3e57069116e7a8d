package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/emakarov/megobari-sub000/internal/config"
	"github.com/emakarov/megobari-sub000/internal/transport"
)

const (
	// sttTimeout bounds one transcription request.
	sttTimeout = 30 * time.Second

	// sttTranscribeEndpoint is the path appended to the proxy base URL.
	sttTranscribeEndpoint = "/transcribe_audio"
)

// sttResponse is the expected JSON response from the transcription proxy.
type sttResponse struct {
	Transcript string `json:"transcript"`
}

// ProxyTranscriber sends voice notes to an external transcription service.
// Fields:
//
//	file  — audio file bytes (required)
//	model — optional model size hint forwarded to the proxy
type ProxyTranscriber struct {
	baseURL string
	model   string
	logger  *slog.Logger
}

var _ transport.Transcriber = (*ProxyTranscriber)(nil)

// NewTranscriber builds a transcriber from voice config. Returns nil when
// no proxy URL is configured; callers treat a nil transcriber as disabled.
func NewTranscriber(cfg config.VoiceConfig, logger *slog.Logger) *ProxyTranscriber {
	if cfg.ProxyURL == "" {
		return nil
	}
	return &ProxyTranscriber{
		baseURL: cfg.ProxyURL,
		model:   cfg.Model,
		logger:  logger,
	}
}

// Transcribe uploads the audio file and returns the transcript text.
func (p *ProxyTranscriber) Transcribe(ctx context.Context, filePath string) (string, error) {
	if filePath == "" {
		return "", nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("stt: open audio file %q: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if p.model != "" {
		if err := w.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("stt: write model field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, sttTimeout)
	defer cancel()

	url := p.baseURL + sttTranscribeEndpoint
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	p.logger.Debug("calling transcription proxy", "url", url, "file", filepath.Base(filePath))

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result sttResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return result.Transcript, nil
}
