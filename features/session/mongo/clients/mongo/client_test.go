package mongo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
)

type fakeCollection struct {
	mu           sync.Mutex
	docs         []bson.M
	indexCreated int
	findErr      error
	lastQuery    query
}

func (f *fakeCollection) InsertMany(_ context.Context, docs []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		m, err := toM(d)
		if err != nil {
			return err
		}
		f.docs = append(f.docs, m)
	}
	return nil
}

func (f *fakeCollection) UpsertOne(_ context.Context, filter, update any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := filter.(bson.M)["_id"]
	set := update.(bson.M)["$set"].(bson.M)
	for _, d := range f.docs {
		if d["_id"] == id {
			for k, v := range set {
				d[k] = v
			}
			return nil
		}
	}
	doc := bson.M{"_id": id}
	for k, v := range set {
		doc[k] = v
	}
	f.docs = append(f.docs, doc)
	return nil
}

// Find supports equality filters, a "$text" filter scored by term matches,
// a single-key sort and a limit.
func (f *fakeCollection) Find(_ context.Context, q query) (cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []bson.M
	for _, d := range f.docs {
		match := bson.M{}
		for k, v := range d {
			match[k] = v
		}
		ok := true
		for k, v := range q.filter {
			if k == "$text" {
				score := textScore(v.(bson.M)["$search"].(string), d)
				if score == 0 {
					ok = false
				}
				match["score"] = score
				continue
			}
			if d[k] != v {
				ok = false
			}
		}
		if ok {
			out = append(out, match)
		}
	}
	if len(q.sort) > 0 {
		key := q.sort[0].Key
		desc := true
		if n, isInt := q.sort[0].Value.(int); isInt && n > 0 {
			desc = false
		}
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i][key], out[j][key])
			if desc {
				return lessValue(out[j][key], out[i][key])
			}
			return less
		})
	}
	if q.limit > 0 && int64(len(out)) > q.limit {
		out = out[:q.limit]
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func (f *fakeCollection) CreateIndex(context.Context, mongodriver.IndexModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCreated++
	return nil
}

func textScore(search string, d bson.M) float64 {
	var score float64
	body := strings.ToLower(strings.Join([]string{str(d["title"]), str(d["heading"]), str(d["text"])}, " "))
	for _, w := range strings.Fields(strings.ToLower(search)) {
		if strings.Contains(body, w) {
			score++
		}
	}
	return score
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case int64:
		return av < b.(int64)
	case float64:
		return av < b.(float64)
	case string:
		return av < b.(string)
	}
	return false
}

func toM(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type fakeCursor struct {
	docs []bson.M
	idx  int
}

func (c *fakeCursor) Next(context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}

func (c *fakeCursor) Decode(val any) error {
	raw, err := bson.Marshal(c.docs[c.idx])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *fakeCursor) Err() error                  { return nil }
func (c *fakeCursor) Close(context.Context) error { return nil }

func newTestClient(t *testing.T) (*client, *fakeCollection, *fakeCollection) {
	t.Helper()
	turns, sections := &fakeCollection{}, &fakeCollection{}
	c, err := newClientWithCollections(nil, turns, sections, time.Second)
	require.NoError(t, err)
	return c, turns, sections
}

func TestEnsureIndexes(t *testing.T) {
	turns, sections := &fakeCollection{}, &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), turns, sections))
	require.Equal(t, 1, turns.indexCreated)
	require.Equal(t, 2, sections.indexCreated)
}

func TestInsertAndLatestTurns(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()
	tick := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	require.NoError(t, c.InsertTurns(ctx, "s1", []TurnRecord{{Role: "user", Text: "q1"}, {Role: "assistant", Text: "a1"}}))
	require.NoError(t, c.InsertTurns(ctx, "s1", []TurnRecord{{Role: "user", Text: "q2"}, {Role: "assistant", Text: "a2"}}))
	require.NoError(t, c.InsertTurns(ctx, "s2", []TurnRecord{{Role: "user", Text: "other"}}))

	got, err := c.LatestTurns(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"a1", "q2", "a2"}, []string{got[0].Text, got[1].Text, got[2].Text})
	require.Equal(t, "s1", got[0].SessionID)
}

func TestTurnsRequireSession(t *testing.T) {
	c, _, _ := newTestClient(t)
	require.Error(t, c.InsertTurns(context.Background(), "", []TurnRecord{{Text: "x"}}))
	_, err := c.LatestTurns(context.Background(), "", 1)
	require.Error(t, err)
}

func TestSearchSectionsUsesTextScore(t *testing.T) {
	c, _, sections := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.UpsertSections(ctx, []SectionRecord{
		{ID: "file:refunds.md#0", DocID: "file:refunds.md", Title: "Refunds", Text: "Refunds are issued within 14 days."},
		{ID: "file:shipping.md#0", DocID: "file:shipping.md", Title: "Shipping", Text: "Orders ship in two days."},
	}))

	got, err := c.SearchSections(ctx, "refunds days", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "file:refunds.md#0", got[0].ID)
	require.Greater(t, got[0].Score, got[1].Score)
	require.Equal(t, int64(5), sections.lastQuery.limit)
	require.Contains(t, sections.lastQuery.filter, "$text")
}

func TestUpsertSectionsReplaces(t *testing.T) {
	c, _, sections := newTestClient(t)
	ctx := context.Background()
	rec := SectionRecord{ID: "d#0", DocID: "d", Title: "Doc", Text: "old"}
	require.NoError(t, c.UpsertSections(ctx, []SectionRecord{rec}))
	rec.Text = "new"
	require.NoError(t, c.UpsertSections(ctx, []SectionRecord{rec}))
	require.Len(t, sections.docs, 1)
	require.Equal(t, "new", sections.docs[0]["text"])

	require.Error(t, c.UpsertSections(ctx, []SectionRecord{{ID: "x"}}))
}

func TestSearchSectionsPropagatesErrors(t *testing.T) {
	c, _, sections := newTestClient(t)
	sections.findErr = errors.New("boom")
	_, err := c.SearchSections(context.Background(), "refunds", 3)
	require.Error(t, err)
}

func TestPingWithoutClient(t *testing.T) {
	c, _, _ := newTestClient(t)
	require.Error(t, c.Ping(context.Background()))
	require.Equal(t, "history-mongo", c.Name())
}
