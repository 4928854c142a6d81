package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// WhisperClient transcribes remote audio through an OpenAI-compatible
// transcription endpoint. It downloads the audio itself because platform
// CDN links require the right referer and expire quickly.
type WhisperClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	logger  *log.Logger

	// maxAudioBytes caps the downloaded payload; CDN audio tracks for long
	// videos can be large and the transcription API rejects oversized files.
	maxAudioBytes int64
}

// WhisperOptions configures a WhisperClient. BaseURL defaults to the
// OpenAI API; Model defaults to whisper-1.
type WhisperOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *log.Logger
}

func NewWhisperClient(opts WhisperOptions) *WhisperClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "whisper-1"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[WHISPER] ", log.LstdFlags)
	}
	return &WhisperClient{
		http:          &http.Client{Timeout: 5 * time.Minute},
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		model:         opts.Model,
		logger:        logger,
		maxAudioBytes: 24 << 20,
	}
}

// TranscribeURL downloads the audio at audioURL and submits it for
// transcription, returning the recognized text.
func (w *WhisperClient) TranscribeURL(ctx context.Context, audioURL, referer string) (string, error) {
	audio, err := w.downloadAudio(ctx, audioURL, referer)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	w.logger.Printf("downloaded %d audio bytes, submitting for transcription", len(audio))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "audio.m4s")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := mw.WriteField("model", w.model); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription api %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode transcription: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func (w *WhisperClient) downloadAudio(ctx context.Context, audioURL, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", bilibiliUserAgent)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("http %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, w.maxAudioBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > w.maxAudioBytes {
		return nil, fmt.Errorf("audio exceeds %d byte limit", w.maxAudioBytes)
	}
	return data, nil
}
