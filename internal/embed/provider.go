// Package embed wraps an OpenAI-compatible embedding service with the
// device-aware lifecycle the retrieval core needs: an accelerator-backed
// endpoint is preferred, and a reset operation pins subsequent calls to a
// CPU-backed endpoint after the accelerator runs out of memory.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// Config holds the two endpoints and model settings for a Provider.
type Config struct {
	AcceleratorURL string
	CPUURL         string
	APIKey         string
	Model          string
	BatchSize      int
}

// Provider is process-wide shared mutable state: switching it between the
// accelerator and CPU endpoints affects all subsequent callers. The mutex is
// held for the duration of each call, so a Reset can never race an in-flight
// embedding request.
type Provider struct {
	mu     sync.Mutex
	cfg    Config
	client *openai.Client
	onCPU  bool
	log    *slog.Logger
}

func NewProvider(cfg Config, log *slog.Logger) *Provider {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	return &Provider{cfg: cfg, log: log}
}

// Embed returns one L2-normalized vector per input text, requested in
// batches of the configured size.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.ensureClient()

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += p.cfg.BatchSize {
		end := min(i+p.cfg.BatchSize, len(texts))
		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(p.cfg.Model),
			Input: texts[i:end],
		})
		if err != nil {
			return nil, fmt.Errorf("embed batch %d..%d on %s: %w", i, end, p.deviceLocked(), err)
		}
		if len(resp.Data) != end-i {
			return nil, fmt.Errorf("embed batch %d..%d: got %d vectors for %d texts", i, end, len(resp.Data), end-i)
		}
		for _, d := range resp.Data {
			v := make([]float32, len(d.Embedding))
			for j := range d.Embedding {
				v[j] = float32(d.Embedding[j])
			}
			l2normalize(v)
			out = append(out, v)
		}
	}
	return out, nil
}

// Reset drops the current client so the next call reinitializes it. With
// forceCPU the provider pins to the CPU endpoint; without it the provider
// returns to preferring the accelerator endpoint. Only issue a reset when no
// embedding call is in flight (the mutex enforces this within the process).
func (p *Provider) Reset(forceCPU bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	p.onCPU = forceCPU
	p.log.Info("embedding provider reset", "device", p.deviceLocked())
}

// Device reports which endpoint the next call will use.
func (p *Provider) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceLocked()
}

func (p *Provider) deviceLocked() string {
	if p.onCPU {
		return "cpu"
	}
	return "accelerator"
}

func (p *Provider) ensureClient() *openai.Client {
	if p.client != nil {
		return p.client
	}
	base := p.cfg.AcceleratorURL
	if p.onCPU {
		base = p.cfg.CPUURL
	}
	cc := openai.DefaultConfig(p.cfg.APIKey)
	cc.BaseURL = base
	p.client = openai.NewClientWithConfig(cc)
	p.log.Info("embedding client initialized", "device", p.deviceLocked(), "model", p.cfg.Model)
	return p.client
}

// IsOOM reports whether an embedding error indicates memory exhaustion on
// the serving side, the only error class the callers recover from by
// switching device or shrinking batches.
func IsOOM(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "insufficient memory") ||
		strings.Contains(msg, "oom")
}

func l2normalize(v []float32) {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(float64(sum)))
	for i := range v {
		v[i] *= inv
	}
}
