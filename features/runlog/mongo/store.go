// Package mongo persists the span records of agent runs in MongoDB so a run
// can be inspected after the fact by trace id.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a telemetry.Recorder.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/verity/features/runlog/mongo/clients/mongo"
	"goa.design/verity/runtime/agent/telemetry"
)

// Store implements telemetry.Recorder by appending records to Mongo.
type Store struct {
	client clientsmongo.Client
	logger telemetry.Logger
	now    func() time.Time
}

var _ telemetry.Recorder = (*Store)(nil)

// NewStore builds a Mongo-backed trace log using the provided client. A nil
// logger discards append failures.
func NewStore(client clientsmongo.Client, logger telemetry.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{client: client, logger: logger, now: time.Now}, nil
}

// Record implements telemetry.Recorder. Recording never fails the caller;
// append errors are logged.
func (s *Store) Record(ctx context.Context, traceID string, rec telemetry.SpanRecord) {
	_, err := s.client.Append(context.WithoutCancel(ctx), clientsmongo.Record{
		TraceID:   traceID,
		Name:      rec.Name,
		Input:     plain(rec.Input),
		Output:    plain(rec.Output),
		Metadata:  plain(rec.Metadata),
		Duration:  rec.Duration,
		Timestamp: s.now(),
	})
	if err != nil {
		s.logger.Warn(ctx, "trace log append failed", "trace_id", traceID, "span", rec.Name, "err", err)
	}
}

// Trace returns one page of the records of traceID.
func (s *Store) Trace(ctx context.Context, traceID, cursor string, limit int) (clientsmongo.Page, error) {
	return s.client.List(ctx, traceID, cursor, limit)
}

// plain converts fields to BSON friendly values. Codes become strings and
// durations milliseconds.
func plain(fs telemetry.Fields) map[string]any {
	if len(fs) == 0 {
		return nil
	}
	out := make(map[string]any, len(fs))
	for k, v := range fs {
		switch v := v.(type) {
		case telemetry.Code:
			out[k] = string(v)
		case time.Duration:
			out[k] = v.Milliseconds()
		default:
			out[k] = v
		}
	}
	return out
}
