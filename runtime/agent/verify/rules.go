package verify

import (
	"fmt"
	"regexp"
	"strings"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/keywords"
)

type (
	// NonEmpty fails blank answers.
	NonEmpty struct{}

	// MinLength requires answers to grow with question complexity: Base
	// characters plus PerKeyword characters per distinct request keyword.
	MinLength struct {
		Base       int
		PerKeyword int
	}

	// Format enforces the text conventions of the chat transport.
	Format struct {
		// MaxChars caps the message length. Zero disables the check.
		MaxChars int
		// AllowMarkdown disables the Markdown checks for transports that
		// render standard Markdown.
		AllowMarkdown bool
	}

	// Citation warns when sources were gathered but the answer cites none
	// of them. Thread history does not need citing.
	Citation struct{}

	// TopicalOverlap fails answers sharing no keyword with the request.
	TopicalOverlap struct{}
)

// DefaultFormat returns the chat mrkdwn conventions.
func DefaultFormat() Format {
	return Format{MaxChars: 3900}
}

const (
	CodeNonEmpty       = "non_empty"
	CodeMinLength      = "min_length"
	CodeFormat         = "format"
	CodeCitation       = "citation"
	CodeTopicalOverlap = "topical_overlap"
)

var (
	headingRe  = regexp.MustCompile(`(?m)^#{1,6}\s`)
	boldRe     = regexp.MustCompile(`\*\*[^*\n]+\*\*`)
	tableRe    = regexp.MustCompile(`(?m)^\s*\|.*\|\s*$\n^\s*\|?\s*:?-{3,}`)
	htmlRe     = regexp.MustCompile(`</?(?:b|i|p|br|div|span|table|ul|li|h[1-6])\b[^>]*>`)
	numericRef = regexp.MustCompile(`\[\d+\]`)
)

func (NonEmpty) Code() string { return CodeNonEmpty }

func (NonEmpty) Check(in Input) []agent.Issue {
	if strings.TrimSpace(in.Candidate.Text) != "" {
		return nil
	}
	return []agent.Issue{{Severity: agent.SeverityError, Message: "The answer is empty. Provide a direct answer to the question."}}
}

func (MinLength) Code() string { return CodeMinLength }

func (r MinLength) Check(in Input) []agent.Issue {
	text := strings.TrimSpace(in.Candidate.Text)
	if text == "" {
		return nil
	}
	base, per := r.Base, r.PerKeyword
	if base == 0 && per == 0 {
		base, per = 2, 4
	}
	want := base + per*len(keywords.Extract(in.Request.Text))
	if n := len([]rune(text)); n < want {
		return []agent.Issue{{
			Severity: agent.SeverityError,
			Message:  fmt.Sprintf("The answer is too short (%d characters) for the question; expected at least %d. Give a complete answer.", n, want),
		}}
	}
	return nil
}

func (Format) Code() string { return CodeFormat }

func (f Format) Check(in Input) []agent.Issue {
	text := in.Candidate.Text
	var issues []agent.Issue
	add := func(msg string) {
		issues = append(issues, agent.Issue{Severity: agent.SeverityError, Message: msg})
	}
	if f.MaxChars > 0 && len([]rune(text)) > f.MaxChars {
		add(fmt.Sprintf("The answer exceeds %d characters. Make it more concise.", f.MaxChars))
	}
	if f.AllowMarkdown {
		return issues
	}
	if headingRe.MatchString(text) {
		add("Do not use Markdown headings (#); use *bold* lines instead.")
	}
	if boldRe.MatchString(text) {
		add("Use *single asterisks* for bold, not **double**.")
	}
	if tableRe.MatchString(text) {
		add("Markdown tables do not render in chat; use a bulleted list.")
	}
	if htmlRe.MatchString(text) {
		add("Do not use HTML tags.")
	}
	return issues
}

func (Citation) Code() string { return CodeCitation }

func (Citation) Check(in Input) []agent.Issue {
	var citable []agent.Source
	for _, s := range in.Context.RelevantSources {
		if s.Type != agent.SourceThread {
			citable = append(citable, s)
		}
	}
	if len(citable) == 0 {
		return nil
	}
	if Cites(in.Candidate.Text, citable) {
		return nil
	}
	return []agent.Issue{{
		Severity: agent.SeverityWarning,
		Message:  "The answer does not cite any of the gathered sources. Reference the source title or link it relies on.",
	}}
}

// Cites reports whether text carries a citation marker: a numeric reference
// such as [1], or the title, id or URL of one of sources.
func Cites(text string, sources []agent.Source) bool {
	if numericRef.MatchString(text) {
		return true
	}
	lower := strings.ToLower(text)
	for _, s := range sources {
		for _, marker := range []string{s.Title, s.URL, s.ID} {
			if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
				return true
			}
		}
	}
	return false
}

func (TopicalOverlap) Code() string { return CodeTopicalOverlap }

func (TopicalOverlap) Check(in Input) []agent.Issue {
	terms := keywords.Extract(in.Request.Text)
	if len(terms) == 0 || strings.TrimSpace(in.Candidate.Text) == "" {
		return nil
	}
	if keywords.Overlap(terms, keywords.Set(in.Candidate.Text)) > 0 {
		return nil
	}
	sev := agent.SeverityError
	if !grounds(in.Context, terms) {
		// Nothing gathered mentions the topic.
		sev = agent.SeverityWarning
	}
	return []agent.Issue{{
		Severity: sev,
		Message:  fmt.Sprintf("The answer does not address the question topic (%s). Answer the question that was asked.", strings.Join(terms, ", ")),
	}}
}

// grounds reports whether any of terms occurs in the gathered context.
func grounds(c agent.GatheredContext, terms []string) bool {
	var b strings.Builder
	for _, s := range c.ThreadSnippets {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	for _, e := range c.KnowledgeExcerpts {
		b.WriteString(e.Reference + "\n" + e.Excerpt + "\n")
	}
	for _, s := range c.RelevantSources {
		b.WriteString(s.Title + "\n" + s.Excerpt + "\n")
	}
	return b.Len() > 0 && keywords.Overlap(terms, keywords.Set(b.String())) > 0
}
