package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/example/chatterbox-api/internal/audio"
)

// HTTP talks to a model server over HTTP.
//
//	GET  {base}/health      -> 200 {"sample_rate":..,"device":..,"model_type":..}
//	POST {base}/synthesize  -> 200 {"audio_base64":..,"sample_rate":..}
//
// Reference audio travels inline as base64 since the worker may not share
// a filesystem with the service.
type HTTP struct {
	base   string
	client *http.Client
	info   Info
}

func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (h *HTTP) Load(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.base+"/health", nil)
	if err != nil {
		return Info{}, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("engine health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Info{}, fmt.Errorf("engine health: unexpected status %s", resp.Status)
	}
	var info Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Info{}, fmt.Errorf("engine health: %w", err)
	}
	if info.SampleRate <= 0 {
		return Info{}, fmt.Errorf("engine health: sample rate %d", info.SampleRate)
	}
	h.info = info
	return info, nil
}

func (h *HTTP) Synthesize(ctx context.Context, r Request) (audio.Waveform, error) {
	msg := synthRequest{Text: r.Text, Params: r.Params}
	if r.Reference != nil {
		msg.ReferenceAudioBase64 = base64.StdEncoding.EncodeToString(r.Reference.Data)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return audio.Waveform{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return audio.Waveform{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("engine synthesize: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("engine synthesize: read body: %w", err)
	}

	var reply synthReply
	if jsonErr := json.Unmarshal(data, &reply); jsonErr != nil || resp.StatusCode != http.StatusOK {
		if reply.Error != "" {
			return audio.Waveform{}, fmt.Errorf("engine synthesize: %s: %s", resp.Status, reply.Error)
		}
		if resp.StatusCode != http.StatusOK {
			return audio.Waveform{}, fmt.Errorf("engine synthesize: unexpected status %s", resp.Status)
		}
		return audio.Waveform{}, fmt.Errorf("engine synthesize: decode reply: %w", jsonErr)
	}

	wave, err := reply.waveform()
	if err != nil {
		return audio.Waveform{}, err
	}
	if wave.SampleRate == 0 {
		wave.SampleRate = h.info.SampleRate
	}
	return wave, nil
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
