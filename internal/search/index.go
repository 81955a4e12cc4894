// Package search keeps a full-text index of event content. The index only
// stores ids; events are always read back from the base store.
package search

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/search"
	"github.com/paul/grapevine/pkg/event"
)

const (
	contentField   = "c"
	kindField      = "k"
	createdAtField = "a"
	pubkeyField    = "p"

	// DefaultLimit caps a search without a limit of its own.
	DefaultLimit = 500
)

// Index is a bluge index of event content.
type Index struct {
	writer *bluge.Writer
}

// Open opens or creates the index at path. An empty path keeps the index
// in memory.
func Open(path string) (*Index, error) {
	cfg := bluge.InMemoryOnlyConfig()
	if path != "" {
		cfg = bluge.DefaultConfig(path)
	}
	w, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}
	return &Index{writer: w}, nil
}

// IndexEvent adds evt to the index. Events without content are skipped.
func (i *Index) IndexEvent(ctx context.Context, evt *event.Event) error {
	if strings.TrimSpace(evt.Content) == "" {
		return nil
	}
	doc := bluge.NewDocument(evt.ID)
	doc.AddField(bluge.NewTextField(contentField, evt.Content))
	doc.AddField(bluge.NewKeywordField(kindField, strconv.Itoa(evt.Kind)))
	doc.AddField(bluge.NewKeywordField(pubkeyField, evt.PubKey))
	doc.AddField(bluge.NewNumericField(createdAtField, float64(evt.CreatedAt)))

	if err := i.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("failed to index %s: %w", evt.ID, err)
	}
	return nil
}

// Delete removes an event from the index.
func (i *Index) Delete(id string) error {
	if err := i.writer.Delete(bluge.Identifier(id)); err != nil {
		return fmt.Errorf("failed to remove %s from index: %w", id, err)
	}
	return nil
}

// Search returns the ids of indexed events matching f, best match first.
// Every search term must occur in the content; key:value extensions are
// ignored. Tag constraints are not indexed and left to the caller.
func (i *Index) Search(ctx context.Context, f *event.Filter) ([]string, error) {
	terms := event.SearchTerms(f.Search)
	if len(terms) == 0 {
		return nil, nil
	}
	limit := event.EffectiveLimit(f, DefaultLimit)
	if limit <= 0 {
		return nil, nil
	}

	match := bluge.NewMatchQuery(strings.Join(terms, " ")).
		SetField(contentField).
		SetOperator(bluge.MatchQueryOperatorAnd)
	q := bluge.NewBooleanQuery().AddMust(match)

	if len(f.Kinds) > 0 {
		kinds := bluge.NewBooleanQuery().SetMinShould(1)
		for _, k := range f.Kinds {
			kinds.AddShould(bluge.NewTermQuery(strconv.Itoa(k)).SetField(kindField))
		}
		q.AddMust(kinds)
	}
	if len(f.Authors) > 0 {
		authors := bluge.NewBooleanQuery().SetMinShould(1)
		for _, pk := range f.Authors {
			authors.AddShould(bluge.NewTermQuery(pk).SetField(pubkeyField))
		}
		q.AddMust(authors)
	}
	if f.Since != nil || f.Until != nil {
		lo, hi := 0.0, float64(math.MaxInt64)
		if f.Since != nil {
			lo = float64(*f.Since)
		}
		if f.Until != nil {
			hi = float64(*f.Until)
		}
		q.AddMust(bluge.NewNumericRangeInclusiveQuery(lo, hi, true, true).SetField(createdAtField))
	}

	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open index reader: %w", err)
	}
	defer reader.Close()

	dmi, err := reader.Search(ctx, bluge.NewTopNSearch(limit, q))
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	var ids []string
	var next *search.DocumentMatch
	for next, err = dmi.Next(); next != nil; next, err = dmi.Next() {
		verr := next.VisitStoredFields(func(field string, value []byte) bool {
			if field == "_id" {
				ids = append(ids, string(value))
				return false
			}
			return true
		})
		if verr != nil {
			return nil, fmt.Errorf("failed to read match: %w", verr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return ids, nil
}

// Close flushes and closes the index.
func (i *Index) Close() error {
	return i.writer.Close()
}
