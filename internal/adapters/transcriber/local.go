package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// local talks to a self-hosted whisper-style server:
// POST /transcribe {"audio_url": ...} -> {"text": ...}
type local struct {
	baseURL string
	model   string
}

func NewLocal(cfg domain.TranscriberConfig, opts ...Option) (*Client, error) {
	if cfg.LocalURL == "" {
		return nil, fmt.Errorf("local transcriber: url is required")
	}
	e := &local{
		baseURL: strings.TrimRight(cfg.LocalURL, "/"),
		model:   cfg.Model,
	}
	return newClient(e, cfg, opts...), nil
}

func (l *local) name() string { return "local" }

func (l *local) newRequest(ctx context.Context, audioRef string) (*http.Request, error) {
	payload := map[string]string{"audio_url": audioRef}
	if l.model != "" {
		payload["model"] = l.model
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (l *local) decode(body io.Reader) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return "", err
	}
	return result.Text, nil
}
