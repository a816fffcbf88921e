package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Transcriber turns a dictated complaint into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// WhisperClient talks to a Whisper-compatible HTTP transcription service
// that accepts a multipart "file" field and answers {"text": ...}.
type WhisperClient struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewWhisperClient(url string, timeout time.Duration, logger zerolog.Logger) *WhisperClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WhisperClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "stt").Logger(),
	}
}

type sttResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

var ErrEmptyTranscript = errors.New("empty transcript")

func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("no audio")
	}
	if filename == "" {
		filename = "audio.wav"
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("STT API error: %s - %s", resp.Status, string(respBody))
	}

	var result sttResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	c.logger.Debug().Int("audio_bytes", len(audio)).Str("language", result.Language).
		Dur("took", time.Since(start)).Msg("complaint transcribed")
	return text, nil
}
