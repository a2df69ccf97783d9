// Package rag implements the vector search subsystem behind the
// /v1/embed and /v1/search routes: content is turned into a fixed-size
// vector and matched by brute-force cosine similarity, a stand-in for the
// spec's sketched Postgres match_embeddings routine (SPEC_FULL.md §6).
package rag

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/google/uuid"

	"nervecenter/internal/domain"
	"nervecenter/internal/store"
)

const vectorDim = 256

const defaultLimit = 8

// Item is one piece of content to index.
type Item struct {
	Content  string
	Metadata map[string]any
}

// EmbedResult reports the stored ID for one indexed item.
type EmbedResult struct {
	ID string `json:"id"`
}

// SearchResult is one ranked match.
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float32        `json:"score"`
}

// ProjectResolver resolves a project name to its ID, scoped to the caller.
type ProjectResolver func(ctx context.Context, name string) (domain.Project, error)

// Service embeds and searches content for a single project store.
type Service struct {
	Store    store.Store
	Resolve  ProjectResolver
	NewID    func() string
	Limit    int
}

// New returns a Service backed by st, resolving project names via resolve.
func New(st store.Store, resolve ProjectResolver) *Service {
	return &Service{Store: st, Resolve: resolve, NewID: uuid.NewString, Limit: defaultLimit}
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) limit() int {
	if s.Limit > 0 {
		return s.Limit
	}
	return defaultLimit
}

// Embed indexes each item's content under projectName and returns the
// stored row IDs in order.
func (s *Service) Embed(ctx context.Context, projectName string, items []Item) ([]EmbedResult, error) {
	project, err := s.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}
	results := make([]EmbedResult, 0, len(items))
	for _, item := range items {
		meta, err := encodeMetadata(item.Metadata)
		if err != nil {
			return nil, err
		}
		e := domain.Embedding{
			ID:        s.newID(),
			ProjectID: project.ID,
			Content:   item.Content,
			Vector:    embedText(item.Content),
			Metadata:  meta,
		}
		if err := s.Store.InsertEmbedding(ctx, e); err != nil {
			return nil, err
		}
		results = append(results, EmbedResult{ID: e.ID})
	}
	return results, nil
}

// Search finds the content most similar to query within projectName.
func (s *Service) Search(ctx context.Context, projectName, query string) ([]SearchResult, error) {
	project, err := s.Resolve(ctx, projectName)
	if err != nil {
		return nil, err
	}
	matches, scores, err := s.Store.SearchEmbeddings(ctx, project.ID, embedText(query), s.limit())
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, len(matches))
	for i, m := range matches {
		results[i] = SearchResult{ID: m.ID, Content: m.Content, Metadata: decodeMetadata(m.Metadata), Score: scores[i]}
	}
	return results, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// embedText turns text into a deterministic bag-of-words vector: each
// lowercased token is hashed into a bucket and accumulated, then the
// result is L2-normalized so cosine similarity behaves like a real
// embedding space without calling out to an embedding model.
func embedText(text string) []float32 {
	vec := make([]float32, vectorDim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv32a(tok)
		vec[h%vectorDim] += 1
	}
	var sumSq float32
	for _, v := range vec {
		sumSq += v * v
	}
	if sumSq == 0 {
		return vec
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func fnv32a(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
