package event

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Filter represents a subscription filter as defined in NIP-01
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
	Search  string              `json:"search,omitempty"`
}

// UnmarshalJSON reads the fixed fields and collects "#x" keys into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	type alias Filter
	aux := &struct{ *alias }{alias: (*alias)(f)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var m map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	for key, value := range m {
		if len(key) < 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return fmt.Errorf("invalid tag value for %s: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}
	return nil
}

// MarshalJSON writes Tags back as "#x" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 8+len(f.Tags))
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit != nil {
		m["limit"] = *f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return json.Marshal(m)
}

// Matches checks if the event matches the given filter. Every present
// predicate must hold; values inside one predicate are alternatives.
// Matching on ids, authors and tag values is exact.
func (e *Event) Matches(f *Filter) bool {
	if f == nil {
		return true
	}
	if len(f.IDs) > 0 && !contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if !e.hasAnyTag(name, values) {
			return false
		}
	}
	if f.Search != "" && !MatchesSearch(e.Content, f.Search) {
		return false
	}
	return true
}

func (e *Event) hasAnyTag(name string, values []string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && contains(values, tag[1]) {
			return true
		}
	}
	return false
}

// SearchTerms splits a NIP-50 query into lower-cased terms, dropping
// key:value extensions such as "language:en".
func SearchTerms(query string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if strings.Contains(word, ":") {
			continue
		}
		terms = append(terms, word)
	}
	return terms
}

// MatchesSearch reports whether every search term occurs in content.
func MatchesSearch(content, query string) bool {
	terms := SearchTerms(query)
	if len(terms) == 0 {
		return true
	}
	lower := strings.ToLower(content)
	for _, term := range terms {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can narrow a filter without
// touching the original.
func (f *Filter) Clone() *Filter {
	c := &Filter{
		IDs:     append([]string(nil), f.IDs...),
		Authors: append([]string(nil), f.Authors...),
		Kinds:   append([]int(nil), f.Kinds...),
		Search:  f.Search,
	}
	if f.Since != nil {
		v := *f.Since
		c.Since = &v
	}
	if f.Until != nil {
		v := *f.Until
		c.Until = &v
	}
	if f.Limit != nil {
		v := *f.Limit
		c.Limit = &v
	}
	if f.Tags != nil {
		c.Tags = make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			c.Tags[k] = append([]string(nil), v...)
		}
	}
	return c
}

// MatchesAny reports whether the event satisfies at least one filter.
func MatchesAny(filters []*Filter, e *Event) bool {
	for _, f := range filters {
		if e.Matches(f) {
			return true
		}
	}
	return false
}

// HasSearch reports whether any filter carries a search query.
func HasSearch(filters []*Filter) bool {
	for _, f := range filters {
		if f.Search != "" {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
