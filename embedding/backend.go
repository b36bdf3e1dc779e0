// Package embedding 把文本转换为定长向量。
//
// 组成：
//   - Backend：远端模型调用（OpenAI 兼容接口）
//   - Client：内容哈希缓存（进程内 LRU + 共享缓存，7 天过期）、限流、熔断、超时；
//     远端失败不向上抛错，返回空向量，调用方把空向量视为“跳过该召回路径”
//   - ChunkText / DedupChunks：长文本按句子边界切块并去除近重复块，用于段落级索引
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// Backend 是 Embedding 模型服务
type Backend interface {
	// EmbedBatch 为多段文本生成向量，返回顺序与输入一致
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model 返回模型名称（参与缓存 key）
	Model() string
}

// OpenAIConfig 是 OpenAI 兼容服务的配置
type OpenAIConfig struct {
	APIKey     string `koanf:"api_key"`
	BaseURL    string `koanf:"base_url"`
	Model      string `koanf:"model"`
	Dimensions int    `koanf:"dimensions"`
}

// OpenAIBackend 基于 go-openai 的 Backend 实现，兼容 SiliconFlow 等 OpenAI 协议服务
type OpenAIBackend struct {
	client     *openai.Client
	model      string
	dimensions int
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding: model is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIBackend{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (b *OpenAIBackend) Model() string { return b.model }

func (b *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(b.model),
		Dimensions: b.dimensions,
	}
	resp, err := b.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d, want %d", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index out of range: %d", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}
