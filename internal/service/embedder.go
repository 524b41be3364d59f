package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/user/poplens/internal/logging"
	"github.com/user/poplens/internal/metrics"
	"github.com/user/poplens/internal/model"
	"github.com/user/poplens/internal/utils"
)

// Embedder 文本 → 384 维向量
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaEmbedder 调用 Ollama /api/embeddings
type OllamaEmbedder struct {
	host   string
	model  string
	client *utils.HTTPClient
}

func NewOllamaEmbedder(host, model string, timeout time.Duration) *OllamaEmbedder {
	return &OllamaEmbedder{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: utils.NewHTTPClient(timeout),
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req, err := utils.NewRequest(ctx, http.MethodPost, e.host+"/api/embeddings", embeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	var resp embeddingResponse
	if err := e.client.DoJSON(req, &resp); err != nil {
		return nil, fmt.Errorf("embedding service: %w", err)
	}
	if len(resp.Embedding) != model.EmbeddingDimensions {
		return nil, fmt.Errorf("embedding service returned %d dimensions, want %d", len(resp.Embedding), model.EmbeddingDimensions)
	}
	return resp.Embedding, nil
}

// ResilientEmbedder 为底层 Embedder 增加熔断与结果缓存
type ResilientEmbedder struct {
	next    Embedder
	breaker *gobreaker.CircuitBreaker[[]float32]
	cache   *utils.TTLCache[[]float32]
}

// NewResilientEmbedder 连续失败 5 次后熔断 30 秒
func NewResilientEmbedder(next Embedder, cacheSize int) *ResilientEmbedder {
	log := logging.Component("embedder")
	settings := gobreaker.Settings{
		Name:        "embedding-service",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("熔断器状态变化")
		},
		// 调用方取消不计入失败
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &ResilientEmbedder{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker[[]float32](settings),
		cache:   utils.NewTTLCache[[]float32](cacheSize, time.Hour),
	}
}

func (e *ResilientEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		metrics.EmbeddingCacheHits.Inc()
		return v, nil
	}
	vec, err := e.breaker.Execute(func() ([]float32, error) {
		return e.next.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", model.ErrUpstreamTransient, err)
		}
		return nil, err
	}
	e.cache.Set(text, vec)
	return vec, nil
}
