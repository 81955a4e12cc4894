package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ev(id string, createdAt int64) *Event {
	return &Event{ID: id, CreatedAt: createdAt, Kind: 1}
}

func ids(events []*Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestSort_NewestFirstThenIDAscending(t *testing.T) {
	events := []*Event{
		ev("cc", 100),
		ev("aa", 100),
		ev("zz", 50),
		ev("bb", 200),
		ev("ab", 100),
	}

	Sort(events)

	assert.Equal(t, []string{"bb", "aa", "ab", "cc", "zz"}, ids(events))
}

func TestCompare_IsStableUnderShuffle(t *testing.T) {
	a := []*Event{ev("03", 7), ev("01", 7), ev("02", 7)}
	b := []*Event{ev("02", 7), ev("03", 7), ev("01", 7)}

	Sort(a)
	Sort(b)

	assert.Equal(t, ids(a), ids(b))
	assert.Equal(t, 0, Compare(ev("x", 1), ev("x", 1)))
}

func TestMergeLimit(t *testing.T) {
	first := []*Event{ev("a", 3), ev("b", 2)}
	second := []*Event{ev("b", 2), ev("c", 5), ev("d", 1)}

	merged := MergeLimit(3, first, second)
	assert.Equal(t, []string{"c", "a", "b"}, ids(merged))

	all := MergeLimit(0, first, second)
	assert.Len(t, all, 4)
}

func TestTruncate(t *testing.T) {
	events := []*Event{ev("a", 3), ev("b", 2), ev("c", 1)}
	zero, two, ten := 0, 2, 10

	assert.Empty(t, Truncate(events, &Filter{Limit: &zero}, 500))
	assert.Len(t, Truncate(events, &Filter{Limit: &two}, 500), 2)
	assert.Len(t, Truncate(events, &Filter{Limit: &ten}, 1), 1)
	assert.Len(t, Truncate(events, &Filter{}, 0), 3)
}

func TestSearchTerms(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, SearchTerms("Hello  WORLD include:spam"))
	assert.True(t, MatchesSearch("hello there world", "world hello"))
	assert.False(t, MatchesSearch("hello there", "world"))
	assert.True(t, MatchesSearch("anything", "domain:example.com"))
}

func TestTags(t *testing.T) {
	tags := Tags{{"e", "1", "", "root"}, {"p", "pk"}, {"e", "2", "", "reply"}, {"single"}}

	v, ok := tags.Value("e")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"1", "2"}, tags.Values("e"))
	assert.Len(t, tags.FindAll("e"), 2)
	assert.True(t, tags.Has("p", "pk"))
	assert.False(t, tags.Has("single", ""))

	_, ok = tags.Find("missing")
	assert.False(t, ok)
}
