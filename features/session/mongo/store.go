// Package mongo provides a MongoDB-backed implementation of the session
// history store and knowledge corpus. Build the low-level client via
// features/session/mongo/clients/mongo and pass it to NewStore.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	clientsmongo "goa.design/verity/features/session/mongo/clients/mongo"
	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/knowledge"
	"goa.design/verity/runtime/agent/session"
)

const maxExcerptRunes = 600

// Store implements session.HistoryStore, session.HistoryWriter and
// session.Corpus by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var (
	_ session.HistoryStore  = (*Store)(nil)
	_ session.HistoryWriter = (*Store)(nil)
	_ session.Corpus        = (*Store)(nil)
)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// FetchHistory returns the most recent turns of sessionID.
func (s *Store) FetchHistory(ctx context.Context, sessionID string, limit int) ([]agent.Turn, error) {
	if sessionID == "" {
		return nil, session.ErrSessionRequired
	}
	recs, err := s.client.LatestTurns(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]agent.Turn, 0, len(recs))
	for _, r := range recs {
		turns = append(turns, agent.Turn{Role: agent.Role(r.Role), Text: r.Text})
	}
	return turns, nil
}

// AppendTurns stores turns after the existing history of sessionID.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns ...agent.Turn) error {
	if sessionID == "" {
		return session.ErrSessionRequired
	}
	recs := make([]clientsmongo.TurnRecord, 0, len(turns))
	for _, t := range turns {
		recs = append(recs, clientsmongo.TurnRecord{Role: string(t.Role), Text: t.Text})
	}
	return s.client.InsertTurns(ctx, sessionID, recs)
}

// SearchCorpus runs a Mongo text search over indexed sections.
func (s *Store) SearchCorpus(ctx context.Context, query string, k int) ([]session.Hit, error) {
	recs, err := s.client.SearchSections(ctx, query, k)
	if err != nil {
		return nil, err
	}
	hits := make([]session.Hit, 0, len(recs))
	for _, r := range recs {
		ref := r.Title
		if r.Heading != "" && r.Heading != r.Title {
			ref = r.Title + " › " + r.Heading
		}
		hits = append(hits, session.Hit{
			KnowledgeExcerpt: agent.KnowledgeExcerpt{
				Reference: ref,
				Excerpt:   clip(r.Text, maxExcerptRunes),
				URL:       r.URL,
			},
			DocID: r.DocID,
			Title: r.Title,
			Score: r.Score,
		})
	}
	return hits, nil
}

// Index stores every section of snap so SearchCorpus can serve it. Section
// ids are the document id followed by the section position.
func (s *Store) Index(ctx context.Context, snap *knowledge.Snapshot) (int, error) {
	if snap == nil {
		return 0, nil
	}
	var recs []clientsmongo.SectionRecord
	for _, doc := range snap.Documents {
		for i, sec := range doc.Sections {
			recs = append(recs, clientsmongo.SectionRecord{
				ID:      fmt.Sprintf("%s#%d", doc.ID, i),
				DocID:   doc.ID,
				Title:   doc.Title,
				URL:     doc.URL,
				Heading: sec.Heading,
				Text:    sec.Text,
			})
		}
	}
	if err := s.client.UpsertSections(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
