package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
)

type fakeCollection struct {
	mu        sync.Mutex
	docs      []bson.M
	next      int
	indexes   int
	insertErr error
	lastLimit int64
}

func (f *fakeCollection) InsertOne(_ context.Context, document any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	raw, err := bson.Marshal(document)
	if err != nil {
		return nil, err
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	f.next++
	oid, err := bson.ObjectIDFromHex(hexID(f.next))
	if err != nil {
		return nil, err
	}
	m["_id"] = oid
	f.docs = append(f.docs, m)
	return oid, nil
}

// Find supports the trace_id equality and the _id $gt filters. Documents are
// kept in insertion order, which is also ascending _id order.
func (f *fakeCollection) Find(_ context.Context, filter bson.M, limit int64) (cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	var after string
	if gt, ok := filter["_id"].(bson.M); ok {
		after = gt["$gt"].(bson.ObjectID).Hex()
	}
	var out []bson.M
	for _, d := range f.docs {
		if d["trace_id"] != filter["trace_id"] {
			continue
		}
		if after != "" && d["_id"].(bson.ObjectID).Hex() <= after {
			continue
		}
		out = append(out, d)
		if int64(len(out)) == limit {
			break
		}
	}
	return &fakeCursor{docs: out, idx: -1}, nil
}

func (f *fakeCollection) CreateIndex(context.Context, mongodriver.IndexModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexes++
	return nil
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

func hexID(n int) string {
	const digits = "0123456789abcdef"
	b := []byte("000000000000000000000000")
	for i := len(b) - 1; n > 0 && i >= 0; i-- {
		b[i] = digits[n%16]
		n /= 16
	}
	return string(b)
}

func newTestClient(t *testing.T) (*client, *fakeCollection) {
	t.Helper()
	coll := &fakeCollection{}
	c, err := newClientWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return c, coll
}

func record(traceID, name string) Record {
	return Record{
		TraceID:   traceID,
		Name:      name,
		Input:     map[string]any{"text_len": int64(12)},
		Metadata:  map[string]any{"status": "SUCCESS"},
		Duration:  1500 * time.Millisecond,
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestEnsureIndexes(t *testing.T) {
	coll := &fakeCollection{}
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Equal(t, 1, coll.indexes)
}

func TestAppendAssignsID(t *testing.T) {
	c, coll := newTestClient(t)

	id, err := c.Append(context.Background(), record("t1", "loop.gather"))

	require.NoError(t, err)
	require.Equal(t, hexID(1), id)
	require.Len(t, coll.docs, 1)
	require.Equal(t, "t1", coll.docs[0]["trace_id"])
	require.Equal(t, int64(1500), coll.docs[0]["duration_ms"])
}

func TestAppendValidates(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	rec := record("t1", "x")

	noTrace := rec
	noTrace.TraceID = ""
	_, err := c.Append(ctx, noTrace)
	require.ErrorContains(t, err, "trace id")

	noName := rec
	noName.Name = ""
	_, err = c.Append(ctx, noName)
	require.ErrorContains(t, err, "span name")

	noTime := rec
	noTime.Timestamp = time.Time{}
	_, err = c.Append(ctx, noTime)
	require.ErrorContains(t, err, "timestamp")
}

func TestAppendPropagatesInsertError(t *testing.T) {
	c, coll := newTestClient(t)
	coll.insertErr = errors.New("write conflict")
	_, err := c.Append(context.Background(), record("t1", "x"))
	require.EqualError(t, err, "write conflict")
}

func TestListPaginates(t *testing.T) {
	c, coll := newTestClient(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := c.Append(ctx, record("t1", name))
		require.NoError(t, err)
	}
	_, err := c.Append(ctx, record("other", "z"))
	require.NoError(t, err)

	page, err := c.List(ctx, "t1", "", 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), coll.lastLimit)
	require.Len(t, page.Records, 2)
	require.Equal(t, "a", page.Records[0].Name)
	require.Equal(t, "b", page.Records[1].Name)
	require.Equal(t, page.Records[1].ID, page.NextCursor)
	require.Equal(t, 1500*time.Millisecond, page.Records[0].Duration)
	require.Equal(t, "SUCCESS", page.Records[0].Metadata["status"])

	page, err = c.List(ctx, "t1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	require.Equal(t, "c", page.Records[0].Name)
	require.Empty(t, page.NextCursor)
}

func TestListValidates(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	_, err := c.List(ctx, "", "", 1)
	require.Error(t, err)
	_, err = c.List(ctx, "t1", "", 0)
	require.Error(t, err)
	_, err = c.List(ctx, "t1", "not-hex", 1)
	require.ErrorContains(t, err, "invalid cursor")
}
