package reference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/OpenUpSA/dexi/internal/repository"
	"github.com/OpenUpSA/dexi/internal/storage"
)

// Loader resolves a reference id to its parsed lexicon. References are never
// rewritten in place, so parsed lexicons are cached until Forget.
type Loader struct {
	refs  repository.ReferenceRepository
	store storage.Store
	log   *slog.Logger

	mu    sync.Mutex
	cache map[uuid.UUID]*Lexicon
}

func NewLoader(refs repository.ReferenceRepository, store storage.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{refs: refs, store: store, log: logger, cache: make(map[uuid.UUID]*Lexicon)}
}

func (l *Loader) Load(ctx context.Context, id uuid.UUID) (*Lexicon, error) {
	l.mu.Lock()
	lex, ok := l.cache[id]
	l.mu.Unlock()
	if ok {
		return lex, nil
	}

	ref, err := l.refs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := l.store.Get(ctx, ref.ContentHandle)
	if err != nil {
		return nil, fmt.Errorf("read reference %s: %w", id, err)
	}
	lex, err = Parse(data, ref.ContentType)
	if err != nil {
		return nil, fmt.Errorf("reference %s: %w", id, err)
	}

	l.log.Info("reference.lexicon.loaded", "reference_id", id, "entries", len(lex.Entries), "terms", lex.Size())
	l.mu.Lock()
	l.cache[id] = lex
	l.mu.Unlock()
	return lex, nil
}

func (l *Loader) Forget(id uuid.UUID) {
	l.mu.Lock()
	delete(l.cache, id)
	l.mu.Unlock()
}
