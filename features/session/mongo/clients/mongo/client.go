// Package mongo hosts the MongoDB client used by the session store. It keeps
// conversation turns and indexed knowledge sections in two collections.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultTurnsCollection    = "verity_turns"
	defaultSectionsCollection = "verity_sections"
	defaultOpTimeout          = 5 * time.Second
	historyClientName         = "history-mongo"
)

type (
	// Client exposes Mongo-backed operations for conversation history and
	// knowledge sections.
	Client interface {
		health.Pinger

		// InsertTurns appends turns to sessionID in order.
		InsertTurns(ctx context.Context, sessionID string, turns []TurnRecord) error
		// LatestTurns returns up to limit most recent turns of sessionID in
		// conversation order.
		LatestTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
		// UpsertSections replaces the stored sections of a document.
		UpsertSections(ctx context.Context, sections []SectionRecord) error
		// SearchSections runs a text search and returns up to k sections by
		// descending relevance.
		SearchSections(ctx context.Context, query string, k int) ([]SectionRecord, error)
	}

	// TurnRecord is a stored conversation turn.
	TurnRecord struct {
		SessionID string    `bson:"session_id"`
		Seq       int64     `bson:"seq"`
		Role      string    `bson:"role"`
		Text      string    `bson:"text"`
		CreatedAt time.Time `bson:"created_at"`
	}

	// SectionRecord is a searchable paragraph of a knowledge document.
	SectionRecord struct {
		ID      string  `bson:"_id"`
		DocID   string  `bson:"doc_id"`
		Title   string  `bson:"title"`
		URL     string  `bson:"url,omitempty"`
		Heading string  `bson:"heading,omitempty"`
		Text    string  `bson:"text"`
		Score   float64 `bson:"score,omitempty"`
	}

	// Options configures the Mongo client.
	Options struct {
		Client             *mongodriver.Client
		Database           string
		TurnsCollection    string
		SectionsCollection string
		Timeout            time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		turns    collection
		sections collection
		timeout  time.Duration
		now      func() time.Time
	}
)

// New returns a Client backed by MongoDB and ensures its indexes.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	turnsName := opts.TurnsCollection
	if turnsName == "" {
		turnsName = defaultTurnsCollection
	}
	sectionsName := opts.SectionsCollection
	if sectionsName == "" {
		sectionsName = defaultSectionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	turns := mongoCollection{coll: db.Collection(turnsName)}
	sections := mongoCollection{coll: db.Collection(sectionsName)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, turns, sections); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, turns, sections, timeout)
}

func newClientWithCollections(mongoClient *mongodriver.Client, turns, sections collection, timeout time.Duration) (*client, error) {
	if turns == nil || sections == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		turns:    turns,
		sections: sections,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

func (c *client) Name() string {
	return historyClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertTurns(ctx context.Context, sessionID string, turns []TurnRecord) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(turns) == 0 {
		return nil
	}
	now := c.now().UTC()
	base := now.UnixNano()
	docs := make([]any, len(turns))
	for i, t := range turns {
		t.SessionID = sessionID
		t.Seq = base + int64(i)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		docs[i] = t
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.turns.InsertMany(ctx, docs)
}

func (c *client) LatestTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	q := query{
		filter: bson.M{"session_id": sessionID},
		sort:   bson.D{{Key: "seq", Value: -1}},
		limit:  int64(limit),
	}
	var out []TurnRecord
	if err := decodeAll(ctx, c.turns, q, &out); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (c *client) UpsertSections(ctx context.Context, sections []SectionRecord) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	for _, s := range sections {
		if s.ID == "" || s.DocID == "" {
			return errors.New("section and document ids are required")
		}
		update := bson.M{"$set": bson.M{
			"doc_id":  s.DocID,
			"title":   s.Title,
			"url":     s.URL,
			"heading": s.Heading,
			"text":    s.Text,
		}}
		if err := c.sections.UpsertOne(ctx, bson.M{"_id": s.ID}, update); err != nil {
			return fmt.Errorf("upsert section %s: %w", s.ID, err)
		}
	}
	return nil
}

func (c *client) SearchSections(ctx context.Context, text string, k int) ([]SectionRecord, error) {
	if text == "" || k <= 0 {
		return nil, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	score := bson.M{"$meta": "textScore"}
	q := query{
		filter:     bson.M{"$text": bson.M{"$search": text}},
		projection: bson.M{"score": score},
		sort:       bson.D{{Key: "score", Value: score}},
		limit:      int64(k),
	}
	var out []SectionRecord
	if err := decodeAll(ctx, c.sections, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func decodeAll[T any](ctx context.Context, coll collection, q query, out *[]T) error {
	cur, err := coll.Find(ctx, q)
	if err != nil {
		return err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	for cur.Next(ctx) {
		var v T
		if err := cur.Decode(&v); err != nil {
			return err
		}
		*out = append(*out, v)
	}
	return cur.Err()
}

func ensureIndexes(ctx context.Context, turns, sections collection) error {
	turnIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: -1}},
	}
	if err := turns.CreateIndex(ctx, turnIndex); err != nil {
		return err
	}
	textIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "title", Value: "text"}, {Key: "heading", Value: "text"}, {Key: "text", Value: "text"}},
		Options: options.Index().SetWeights(bson.D{{Key: "title", Value: 3}, {Key: "heading", Value: 2}, {Key: "text", Value: 1}}),
	}
	if err := sections.CreateIndex(ctx, textIndex); err != nil {
		return err
	}
	docIndex := mongodriver.IndexModel{Keys: bson.D{{Key: "doc_id", Value: 1}}}
	return sections.CreateIndex(ctx, docIndex)
}

// query describes a find with optional projection, sort and limit.
type query struct {
	filter     bson.M
	projection bson.M
	sort       bson.D
	limit      int64
}

type collection interface {
	InsertMany(ctx context.Context, docs []any) error
	UpsertOne(ctx context.Context, filter, update any) error
	Find(ctx context.Context, q query) (cursor, error)
	CreateIndex(ctx context.Context, model mongodriver.IndexModel) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertMany(ctx context.Context, docs []any) error {
	_, err := c.coll.InsertMany(ctx, docs)
	return err
}

func (c mongoCollection) UpsertOne(ctx context.Context, filter, update any) error {
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c mongoCollection) Find(ctx context.Context, q query) (cursor, error) {
	opts := options.Find()
	if q.projection != nil {
		opts.SetProjection(q.projection)
	}
	if len(q.sort) > 0 {
		opts.SetSort(q.sort)
	}
	if q.limit > 0 {
		opts.SetLimit(q.limit)
	}
	cur, err := c.coll.Find(ctx, q.filter, opts)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) CreateIndex(ctx context.Context, model mongodriver.IndexModel) error {
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return err
}
