package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kbpipeline/retrieval-platform/pkg/apperrors"
	"github.com/kbpipeline/retrieval-platform/pkg/config"
	"github.com/kbpipeline/retrieval-platform/pkg/resilience"
)

// Clients bundles the HTTP-backed implementations of all three provider
// interfaces.
type Clients struct {
	Embedder   *HTTPEmbedder
	Generator  *HTTPGenerator
	ParsedText *HTTPParsedTextSource
}

// NewClients builds provider clients from config, one circuit breaker per
// collaborator.
func NewClients(cfg config.ProvidersConfig) *Clients {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return &Clients{
		Embedder: &HTTPEmbedder{
			url:       cfg.EmbedURL,
			dimension: cfg.EmbedDimension,
			client:    httpClient,
			breaker:   resilience.NewCircuitBreaker("embedding", resilience.CircuitBreakerConfig{}),
		},
		Generator: &HTTPGenerator{
			url:     cfg.GenerateURL,
			client:  httpClient,
			breaker: resilience.NewCircuitBreaker("generation", resilience.CircuitBreakerConfig{}),
		},
		ParsedText: &HTTPParsedTextSource{
			baseURL: cfg.ParsedTextURL,
			client:  httpClient,
			breaker: resilience.NewCircuitBreaker("parsed-text", resilience.CircuitBreakerConfig{}),
		},
	}
}

// HTTPEmbedder calls the embedding service over HTTP JSON.
type HTTPEmbedder struct {
	url       string
	dimension int
	client    *http.Client
	breaker   *resilience.CircuitBreaker
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var out embedResponse
	err := e.breaker.Execute(func() error {
		return postJSON(ctx, e.client, e.url, embedRequest{Text: text}, &out)
	})
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrEmbeddingUnavailable, 503, "%v", err)
	}
	if len(out.Embedding) != e.dimension {
		return nil, apperrors.Newf(apperrors.ErrEmbeddingUnavailable, 502,
			"service returned %d dimensions, expected %d", len(out.Embedding), e.dimension)
	}
	return out.Embedding, nil
}

// HTTPGenerator calls the generation service over HTTP JSON.
type HTTPGenerator struct {
	url     string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

type generateRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type generateResponse struct {
	Answer string `json:"answer"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, query string, passages []string) (string, error) {
	var out generateResponse
	err := g.breaker.Execute(func() error {
		return postJSON(ctx, g.client, g.url, generateRequest{Query: query, Passages: passages}, &out)
	})
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrGenerationUnavailable, 503, "%v", err)
	}
	return out.Answer, nil
}

// HTTPParsedTextSource fetches cleaned document text from the blob/parse
// service.
type HTTPParsedTextSource struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

type parsedTextResponse struct {
	Text string `json:"text"`
}

func (s *HTTPParsedTextSource) FetchParsedText(ctx context.Context, documentID string) (string, error) {
	var out parsedTextResponse
	err := s.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/%s/text", s.baseURL, documentID), nil)
		if err != nil {
			return err
		}
		return doJSON(s.client, req, &out)
	})
	if err != nil {
		return "", apperrors.Newf(apperrors.ErrParseUnavailable, 503, "%v", err)
	}
	return out.Text, nil
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
