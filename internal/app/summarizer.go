package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/kirogate/internal/credential"
	"github.com/nulpointcorp/kirogate/internal/kiro"
	"github.com/nulpointcorp/kirogate/internal/sse"
	"github.com/nulpointcorp/kirogate/internal/translate"
)

// summarizerModel is the model used for conversation summaries. Haiku is the
// cheapest model the upstream serves.
const summarizerModel = "claude-haiku-4.5"

// upstreamSummarizer backs the compressor with a real upstream call. Failures
// are returned to the compressor, which degrades to plain truncation.
type upstreamSummarizer struct {
	pool    *credential.Pool
	client  *kiro.Client
	builder *translate.Builder
	log     *slog.Logger
}

func newUpstreamSummarizer(pool *credential.Pool, client *kiro.Client, log *slog.Logger) *upstreamSummarizer {
	return &upstreamSummarizer{
		pool:    pool,
		client:  client,
		builder: translate.NewBuilder(),
		log:     log,
	}
}

func (s *upstreamSummarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	modelID, _, err := translate.ResolveModel(summarizerModel)
	if err != nil {
		return "", err
	}

	cred, err := s.pool.Acquire(modelID)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	defer s.pool.Release(cred.ID)

	if cred.AccessToken == "" {
		return "", fmt.Errorf("summarize: credential %s has no access token", cred.ID)
	}

	conv := &translate.Conversation{
		ModelID:    modelID,
		ProfileArn: cred.Profile,
		MaxTokens:  maxTokens,
		Messages: []translate.Message{
			{Role: translate.RoleUser, Text: prompt},
		},
	}
	built, err := s.builder.Build(conv, "")
	if err != nil {
		return "", err
	}
	payload, err := built.Bytes()
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(ctx, &kiro.Request{
		Payload:      payload,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Fingerprint:  cred.Fingerprint,
		Retag: func(origin string) ([]byte, bool) {
			built.SetOrigin(origin)
			b, err := built.Bytes()
			return b, err == nil
		},
		Truncate: built.Truncate,
		Sanitize: built.SanitizeAggressive,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	col := sse.NewCollector(summarizerModel)
	kiro.NewDecoder(col).Run(ctx, resp.Body)
	if err := col.Err(); err != nil {
		return "", err
	}
	return col.Result().Text, nil
}
