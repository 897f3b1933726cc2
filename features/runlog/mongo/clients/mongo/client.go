// Package mongo implements the low-level MongoDB client used by the trace log
// store.
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

type (
	// Client exposes Mongo-backed operations for the span trace log.
	Client interface {
		health.Pinger

		// Append stores rec and returns its id.
		Append(ctx context.Context, rec Record) (string, error)
		// List returns the records of traceID in insertion order, starting
		// after cursor.
		List(ctx context.Context, traceID string, cursor string, limit int) (Page, error)
	}

	// Record is one stored span record.
	Record struct {
		ID        string
		TraceID   string
		Name      string
		Input     map[string]any
		Output    map[string]any
		Metadata  map[string]any
		Duration  time.Duration
		Timestamp time.Time
	}

	// Page is a slice of a trace with the cursor of the next page. NextCursor
	// is empty on the last page.
	Page struct {
		Records    []Record
		NextCursor string
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	spanDocument struct {
		ID         bson.ObjectID  `bson:"_id,omitempty"`
		TraceID    string         `bson:"trace_id"`
		Name       string         `bson:"name"`
		Input      map[string]any `bson:"input,omitempty"`
		Output     map[string]any `bson:"output,omitempty"`
		Metadata   map[string]any `bson:"metadata,omitempty"`
		DurationMS int64          `bson:"duration_ms"`
		Timestamp  time.Time      `bson:"timestamp"`
	}
)

const (
	defaultCollection = "verity_spans"
	defaultTimeout    = 5 * time.Second
	clientName        = "tracelog-mongo"
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Append(ctx context.Context, rec Record) (string, error) {
	if rec.TraceID == "" {
		return "", errors.New("trace id is required")
	}
	if rec.Name == "" {
		return "", errors.New("span name is required")
	}
	if rec.Timestamp.IsZero() {
		return "", errors.New("timestamp is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := spanDocument{
		TraceID:    rec.TraceID,
		Name:       rec.Name,
		Input:      rec.Input,
		Output:     rec.Output,
		Metadata:   rec.Metadata,
		DurationMS: rec.Duration.Milliseconds(),
		Timestamp:  rec.Timestamp.UTC(),
	}
	id, err := c.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", err
	}
	oid, ok := id.(bson.ObjectID)
	if !ok {
		return "", fmt.Errorf("unexpected inserted id type %T", id)
	}
	return oid.Hex(), nil
}

func (c *client) List(ctx context.Context, traceID string, cursor string, limit int) (page Page, err error) {
	if traceID == "" {
		return Page{}, errors.New("trace id is required")
	}
	if limit <= 0 {
		return Page{}, errors.New("limit must be > 0")
	}

	filter := bson.M{"trace_id": traceID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cur, err := c.coll.Find(ctx, filter, int64(limit+1))
	if err != nil {
		return Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var recs []Record
	for cur.Next(ctx) {
		var doc spanDocument
		if err := cur.Decode(&doc); err != nil {
			return Page{}, err
		}
		recs = append(recs, Record{
			ID:        doc.ID.Hex(),
			TraceID:   doc.TraceID,
			Name:      doc.Name,
			Input:     doc.Input,
			Output:    doc.Output,
			Metadata:  doc.Metadata,
			Duration:  time.Duration(doc.DurationMS) * time.Millisecond,
			Timestamp: doc.Timestamp,
		})
	}
	if err := cur.Err(); err != nil {
		return Page{}, err
	}

	var next string
	if len(recs) > limit {
		next = recs[limit-1].ID
		recs = recs[:limit]
	}
	return Page{Records: recs, NextCursor: next}, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	return coll.CreateIndex(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "trace_id", Value: 1},
			{Key: "_id", Value: 1},
		},
	})
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	InsertOne(ctx context.Context, document any) (any, error)
	// Find returns the documents matching filter sorted by ascending _id.
	Find(ctx context.Context, filter bson.M, limit int64) (cursor, error)
	CreateIndex(ctx context.Context, model mongodriver.IndexModel) error
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) (any, error) {
	res, err := c.coll.InsertOne(ctx, document)
	if err != nil {
		return nil, err
	}
	return res.InsertedID, nil
}

func (c mongoCollection) Find(ctx context.Context, filter bson.M, limit int64) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) CreateIndex(ctx context.Context, model mongodriver.IndexModel) error {
	_, err := c.coll.Indexes().CreateOne(ctx, model)
	return err
}
