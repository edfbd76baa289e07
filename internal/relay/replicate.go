package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/harukochan/bot-server-go/internal/errors"
)

const replicateName = "replicate"

// Upper bound on a downloaded image.
const maxImageBytes = 20 << 20

type ReplicateConfig struct {
	APIToken     string
	BaseURL      string
	ModelVersion string
	PollInterval time.Duration
}

// ReplicateImage generates images through Replicate predictions.
type ReplicateImage struct {
	base    *BaseClient
	cfg     ReplicateConfig
	sleepFn SleepFunc
}

func NewReplicateImage(cfg ReplicateConfig, opts ...BaseClientOption) *ReplicateImage {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	base := NewBaseClient(replicateName, &http.Client{Timeout: 2 * time.Minute}, opts...)
	// Polling shares the retry sleeper.
	return &ReplicateImage{base: base, cfg: cfg, sleepFn: base.sleepFn}
}

type predictionRequest struct {
	Version string         `json:"version"`
	Input   map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (p *prediction) done() bool {
	switch p.Status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// firstOutput returns the first URL of a prediction output, which is either a
// single string or a list of strings depending on the model.
func (p *prediction) firstOutput() (string, error) {
	var single string
	if err := json.Unmarshal(p.Output, &single); err == nil && single != "" {
		return single, nil
	}
	var list []string
	if err := json.Unmarshal(p.Output, &list); err == nil && len(list) > 0 && list[0] != "" {
		return list[0], nil
	}
	return "", errors.New("prediction has no output")
}

func (r *ReplicateImage) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + r.cfg.APIToken,
		"Prefer":        "wait",
	}
}

// GenerateImage runs a prediction to completion and returns the image bytes.
func (r *ReplicateImage) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	var p prediction
	err := r.base.DoJSON(ctx, http.MethodPost, r.cfg.BaseURL+"/predictions", r.headers(), predictionRequest{
		Version: r.cfg.ModelVersion,
		Input:   map[string]any{"prompt": prompt},
	}, &p)
	if err != nil {
		return nil, err
	}

	for !p.done() {
		if p.URLs.Get == "" {
			return nil, apperrors.External(replicateName, errors.New("prediction has no poll url"))
		}
		if err := r.sleepFn(ctx, r.cfg.PollInterval); err != nil {
			return nil, apperrors.External(replicateName, err)
		}
		next := prediction{}
		if err := r.base.DoJSON(ctx, http.MethodGet, p.URLs.Get, r.headers(), nil, &next); err != nil {
			return nil, err
		}
		p = next
	}

	if p.Status != "succeeded" {
		return nil, apperrors.External(replicateName, fmt.Errorf("prediction %s %s: %v", p.ID, p.Status, p.Error))
	}

	imageURL, err := p.firstOutput()
	if err != nil {
		return nil, apperrors.External(replicateName, err)
	}
	log.Debug().Str("predictionId", p.ID).Msg("image prediction succeeded")

	return r.download(ctx, imageURL)
}

func (r *ReplicateImage) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.External(replicateName, err)
	}
	resp, err := r.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := CheckStatus(replicateName, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, apperrors.External(replicateName, fmt.Errorf("download image: %w", err))
	}
	if len(data) == 0 {
		return nil, apperrors.External(replicateName, errors.New("empty image"))
	}
	return data, nil
}
