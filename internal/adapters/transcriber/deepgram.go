package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/manthysbr/callpipe/internal/core/domain"
)

// deepgram speaks the prerecorded /v1/listen API with a remote audio URL.
type deepgram struct {
	baseURL string
	apiKey  string
	model   string
}

// NewRemote builds a Deepgram-compatible client from cfg.
func NewRemote(cfg domain.TranscriberConfig, opts ...Option) (*Client, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote transcriber: url is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("remote transcriber: api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "nova-2"
	}
	e := &deepgram{
		baseURL: strings.TrimRight(cfg.RemoteURL, "/"),
		apiKey:  cfg.APIKey,
		model:   model,
	}
	return newClient(e, cfg, opts...), nil
}

func (d *deepgram) name() string { return "deepgram:" + d.model }

func (d *deepgram) newRequest(ctx context.Context, audioRef string) (*http.Request, error) {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("language", "en-US")
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")

	body, err := json.Marshal(map[string]string{"url": audioRef})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+d.apiKey)
	return req, nil
}

func (d *deepgram) decode(body io.Reader) (string, error) {
	var result struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string `json:"transcript"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return "", err
	}
	if len(result.Results.Channels) == 0 || len(result.Results.Channels[0].Alternatives) == 0 {
		return "", fmt.Errorf("no alternatives in response")
	}
	return result.Results.Channels[0].Alternatives[0].Transcript, nil
}
