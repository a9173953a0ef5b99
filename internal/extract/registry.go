package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/constants"
	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/llm/openai"
	"github.com/OpenUpSA/dexi/internal/reference"
)

// LexiconSource loads the lexicon behind a reference id.
type LexiconSource interface {
	Load(ctx context.Context, id uuid.UUID) (*reference.Lexicon, error)
}

// Registry picks the strategy an extraction run asks for.
type Registry struct {
	nlp      Strategy
	lexicons LexiconSource
}

func NewRegistry(nlp Strategy, lexicons LexiconSource) *Registry {
	return &Registry{nlp: nlp, lexicons: lexicons}
}

// NLP returns the configured NLP strategy.
func (r *Registry) NLP() Strategy { return r.nlp }

func (r *Registry) For(ctx context.Context, run *entity.ExtractionRun) (Strategy, error) {
	switch run.Strategy {
	case constants.StrategyNLP:
		return r.nlp, nil
	case constants.StrategyReference:
		if run.ReferenceID == nil {
			return nil, fmt.Errorf("run %s has no reference: %w", run.ID, common.ErrInvalidInput)
		}
		if r.lexicons == nil {
			return nil, failure("reference", fmt.Errorf("no lexicon source configured"))
		}
		lex, err := r.lexicons.Load(ctx, *run.ReferenceID)
		if err != nil {
			return nil, failure("reference", err)
		}
		return NewLexiconMatcher(lex), nil
	}
	return nil, fmt.Errorf("strategy %q: %w", run.Strategy, common.ErrInvalidInput)
}

// NewNLP builds the NLP strategy named by cfg.NLP.Tagger.
func NewNLP(cfg *common.Config, logger *slog.Logger) (Strategy, error) {
	switch strings.ToLower(cfg.NLP.Tagger) {
	case "", "rules":
		return NewRuleTagger(), nil
	case "llm":
		client := openai.NewClient(openai.ConfigFrom(cfg.LLM), logger)
		return NewLLMTagger(client, logger), nil
	}
	return nil, fmt.Errorf("unknown nlp tagger %q", cfg.NLP.Tagger)
}
