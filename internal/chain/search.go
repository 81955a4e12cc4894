package chain

import (
	"context"

	"github.com/paul/grapevine/pkg/event"
	"github.com/paul/grapevine/pkg/storage"
	"github.com/rs/zerolog"
)

// SearchDelegate answers search filters from a full-text index and the
// rest from the inner store. When the index is missing or fails, the inner
// store's own matcher handles the search.
type SearchDelegate struct {
	storage.Store
	Index Index
	log   zerolog.Logger
}

// SaveEvent stores evt and indexes it. Indexing is best-effort.
func (s *SearchDelegate) SaveEvent(ctx context.Context, evt *event.Event) error {
	if err := s.Store.SaveEvent(ctx, evt); err != nil {
		return err
	}
	if s.Index != nil {
		if err := s.Index.IndexEvent(ctx, evt); err != nil {
			s.log.Warn().Err(err).Str("id", evt.ID).Msg("indexing failed")
		}
	}
	return nil
}

// QueryEvents resolves search filters to ids first, then reads the events
// from the inner store so deletion and tag constraints still apply.
func (s *SearchDelegate) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	if s.Index == nil || !event.HasSearch(filters) {
		return s.Store.QueryEvents(ctx, filters)
	}

	narrowed := make([]*event.Filter, 0, len(filters))
	for _, f := range filters {
		if f.Search == "" {
			narrowed = append(narrowed, f)
			continue
		}
		ids, err := s.Index.Search(ctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn().Err(err).Str("search", f.Search).Msg("index search failed, falling back")
			narrowed = append(narrowed, f)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		n := f.Clone()
		n.Search = ""
		n.IDs = intersect(f.IDs, ids)
		if len(n.IDs) == 0 {
			continue
		}
		narrowed = append(narrowed, n)
	}
	if len(narrowed) == 0 {
		return nil, nil
	}
	return s.Store.QueryEvents(ctx, narrowed)
}

// CountEvents counts what QueryEvents would return.
func (s *SearchDelegate) CountEvents(ctx context.Context, filters []*event.Filter) (int64, error) {
	if s.Index == nil || !event.HasSearch(filters) {
		return s.Store.CountEvents(ctx, filters)
	}
	return countByQuery(ctx, s, filters)
}

// intersect returns hits restricted to allowed, or hits when allowed is empty.
func intersect(allowed, hits []string) []string {
	if len(allowed) == 0 {
		return hits
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	var out []string
	for _, id := range hits {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
