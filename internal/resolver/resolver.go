// Package resolver turns extracted occurrences into canonical entities and
// their recorded occurrences.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/entity"
	"github.com/OpenUpSA/dexi/internal/extract"
	"github.com/OpenUpSA/dexi/internal/repository"
)

const maxFindOrCreate = 3

type Options struct {
	// ReplacePrior deletes the document's occurrences under the run before
	// inserting the new ones. Without it re-extraction appends.
	ReplacePrior bool
}

// Result counts what one Resolve call did. Reused counts occurrences that
// attached to an entity which already existed.
type Result struct {
	Occurrences int   `json:"occurrences"`
	Created     int   `json:"created"`
	Reused      int   `json:"reused"`
	Skipped     int   `json:"skipped"`
	Cleared     int64 `json:"cleared"`
}

type Resolver struct {
	client   *repository.Client
	entities repository.EntityRepository
	found    repository.EntityFoundRepository
	log      *slog.Logger
}

func New(client *repository.Client, entities repository.EntityRepository, found repository.EntityFoundRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{client: client, entities: entities, found: found, log: logger}
}

// Normalize case-folds s, trims it and collapses internal whitespace.
// Folding is Unicode full case folding, so "STRASSE" and "straße" match.
func Normalize(s string) string {
	// a Caser holds state; one per call
	return cases.Fold().String(strings.Join(strings.Fields(s), " "))
}

// Resolve records occs for the document under the run in one transaction.
// When ctx already carries a transaction, Resolve joins it.
func (r *Resolver) Resolve(ctx context.Context, runID, documentID uuid.UUID, occs []extract.Occurrence, opts Options) (Result, error) {
	var res Result
	err := r.client.RunTx(ctx, func(ctx context.Context) error {
		res = Result{}
		if opts.ReplacePrior {
			n, err := r.found.Clear(ctx, documentID, runID)
			if err != nil {
				return err
			}
			res.Cleared = n
		}

		known := make(map[string]uuid.UUID)
		for _, o := range occs {
			res.Occurrences++
			norm := Normalize(o.Text)
			if norm == "" || o.Start < 0 || o.End < o.Start {
				res.Skipped++
				continue
			}

			id, ok := known[norm]
			if ok {
				res.Reused++
			} else {
				ent, created, err := r.findOrCreate(ctx, runID, norm, o.Label)
				if err != nil {
					return err
				}
				if created {
					res.Created++
				} else {
					res.Reused++
				}
				id = ent.ID
				known[norm] = id
			}

			if err := r.found.Insert(ctx, &entity.EntityFound{
				EntityID:   id,
				DocumentID: documentID,
				Start:      o.Start,
				End:        o.End,
				SpanText:   o.Text,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("resolver.failed", "run_id", runID, "document_id", documentID, "err", err)
		return Result{}, err
	}
	r.log.Info("resolver.done",
		"run_id", runID,
		"document_id", documentID,
		"occurrences", res.Occurrences,
		"created", res.Created,
		"reused", res.Reused,
		"skipped", res.Skipped,
		"cleared", res.Cleared,
	)
	return res, nil
}

// findOrCreate inserts the entity, falling back to the stored row when the
// run already holds the text. The stored row keeps its original label.
func (r *Resolver) findOrCreate(ctx context.Context, runID uuid.UUID, norm, label string) (*entity.Entity, bool, error) {
	for range maxFindOrCreate {
		ent, err := r.entities.Insert(ctx, runID, norm, label)
		if err == nil {
			return ent, true, nil
		}
		if !errors.Is(err, common.ErrDuplicateEntity) {
			return nil, false, err
		}
		ent, err = r.entities.GetByText(ctx, runID, norm)
		if err == nil {
			return ent, false, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return nil, false, err
		}
		// the conflicting row was rolled back before we could read it
		r.log.Debug("resolver.entity_vanished", "run_id", runID, "text", norm)
	}
	return nil, false, fmt.Errorf("resolve entity %q: %w", norm, common.ErrConflict)
}
