// Package knowledge loads a local knowledge corpus under file, byte and depth
// limits and serves ranked keyword searches over it. The loaded corpus is an
// immutable snapshot: searches read it without locking and reloads swap a
// new snapshot in atomically from a single writer.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/keywords"
	"goa.design/verity/runtime/agent/session"
	"goa.design/verity/runtime/agent/telemetry"
)

const maxExcerptRunes = 600

type (
	// Corpus serves searches over the current snapshot.
	Corpus struct {
		fsys    fs.FS
		limits  Limits
		baseURL string
		logger  telemetry.Logger

		snap    atomic.Pointer[Snapshot]
		writeMu sync.Mutex

		refreshCancel context.CancelFunc
		refreshWg     sync.WaitGroup
	}

	// Option configures a Corpus.
	Option func(*Corpus)
)

var _ session.Corpus = (*Corpus)(nil)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(c *Corpus) { c.limits = l }
}

// WithBaseURL sets the prefix used to build document URLs.
func WithBaseURL(u string) Option {
	return func(c *Corpus) { c.baseURL = u }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Corpus) { c.logger = l }
}

// New returns a corpus over fsys holding an empty snapshot. Call Reload to
// load it.
func New(fsys fs.FS, opts ...Option) *Corpus {
	c := &Corpus{
		fsys:   fsys,
		limits: DefaultLimits(),
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	c.snap.Store(&Snapshot{})
	return c
}

// Snapshot returns the current snapshot.
func (c *Corpus) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Reload scans the corpus and publishes the result. On failure the previous
// snapshot stays in place.
func (c *Corpus) Reload(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.fsys == nil {
		return errors.New("knowledge: no corpus filesystem")
	}
	s, err := Load(ctx, c.fsys, c.limits, c.baseURL)
	if err != nil {
		return fmt.Errorf("knowledge: reload: %w", err)
	}
	c.snap.Store(s)
	c.logger.Info(ctx, "knowledge corpus loaded",
		"documents", len(s.Documents),
		"bytes", s.Bytes,
		"skipped", s.Skipped,
		"truncated", s.Truncated,
	)
	return nil
}

// StartRefresh reloads the corpus every interval until StopRefresh is
// called or ctx is done.
func (c *Corpus) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	c.refreshCancel = cancel
	c.refreshWg.Add(1)
	go func() {
		defer c.refreshWg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-t.C:
				if err := c.Reload(rctx); err != nil {
					c.logger.Warn(rctx, "knowledge corpus refresh failed", "err", err)
				}
			}
		}
	}()
}

// StopRefresh stops the refresh loop and waits for it to exit.
func (c *Corpus) StopRefresh() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWg.Wait()
		c.refreshCancel = nil
	}
}

// SearchCorpus implements session.Corpus. Sections are ranked by the number
// of query keywords they contain, then by document order.
func (c *Corpus) SearchCorpus(ctx context.Context, query string, k int) ([]session.Hit, error) {
	terms := keywords.Extract(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}
	snap := c.snap.Load()
	type scored struct {
		doc   *Document
		sec   *Section
		score int
	}
	var matches []scored
	for i := range snap.Documents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := &snap.Documents[i]
		titleTerms := keywords.Set(doc.Title)
		for j := range doc.Sections {
			sec := &doc.Sections[j]
			n := 0
			for _, t := range terms {
				_, inSec := sec.terms[t]
				_, inTitle := titleTerms[t]
				if inSec || inTitle {
					n++
				}
			}
			if n > 0 {
				matches = append(matches, scored{doc: doc, sec: sec, score: n})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > k {
		matches = matches[:k]
	}
	hits := make([]session.Hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, session.Hit{
			KnowledgeExcerpt: agent.KnowledgeExcerpt{
				Reference: m.doc.Title,
				Excerpt:   clip(m.sec.Text, maxExcerptRunes),
				URL:       m.doc.URL,
			},
			DocID: m.doc.ID,
			Title: m.doc.Title,
			Score: float64(m.score) / float64(len(terms)),
		})
	}
	return hits, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
