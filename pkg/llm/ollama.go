package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama calls a local Ollama instance for generation and embeddings.
type Ollama struct {
	url         string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewOllama creates a generator for the given model.
func NewOllama(url, model string, temperature float64, maxTokens int, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Ollama{
		url:         strings.TrimRight(url, "/"),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Timeout: timeout},
	}
}

// Generate sends a prompt to Ollama's generate endpoint.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  o.model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": o.temperature,
			"num_predict": o.maxTokens,
		},
	}
	var result struct {
		Response string `json:"response"`
	}
	if err := o.post(ctx, "/api/generate", reqBody, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

// OllamaEmbedder uses Ollama's embed endpoint.
type OllamaEmbedder struct {
	o *Ollama
}

// NewOllamaEmbedder creates an embedder for the given model.
func NewOllamaEmbedder(url, model string, timeout time.Duration) *OllamaEmbedder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OllamaEmbedder{o: NewOllama(url, model, 0, 0, timeout)}
}

// Embed returns the embedding of text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string, _ Purpose) ([]float64, error) {
	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := e.o.post(ctx, "/api/embed", map[string]any{"model": e.o.model, "input": text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}
	return result.Embeddings[0], nil
}

func (o *Ollama) post(ctx context.Context, path string, reqBody any, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama api status %d: %s", resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
