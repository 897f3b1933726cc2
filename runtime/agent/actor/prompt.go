package actor

import (
	"fmt"
	"strings"

	"goa.design/verity/runtime/agent"
)

// DefaultSystemPrompt instructs the model on answer style for chat delivery.
const DefaultSystemPrompt = `You are a careful assistant answering questions in a team chat.
Answer only from the provided context and tool results. When the context does
not contain the answer, say so plainly.
Formatting rules: plain chat text only. Use *single asterisks* for emphasis and
"-" for lists. Never use Markdown headings, double-asterisk bold, tables or HTML.
Cite the sources you use with their bracketed number, for example [1].`

// Prompt renders the user turn for req: numbered sources, knowledge
// excerpts, relevant conversation snippets, then the question.
func Prompt(req agent.Request, gathered agent.GatheredContext) string {
	var b strings.Builder
	if len(gathered.KnowledgeExcerpts) > 0 {
		b.WriteString("Knowledge:\n")
		for i, ex := range gathered.KnowledgeExcerpts {
			fmt.Fprintf(&b, "[%d] %s", i+1, ex.Reference)
			if ex.URL != "" {
				fmt.Fprintf(&b, " (%s)", ex.URL)
			}
			fmt.Fprintf(&b, "\n%s\n\n", strings.TrimSpace(ex.Excerpt))
		}
	}
	if len(gathered.ThreadSnippets) > 0 {
		b.WriteString("Earlier in this conversation:\n")
		for _, s := range gathered.ThreadSnippets {
			fmt.Fprintf(&b, "%s\n", s)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(req.Text))
	return b.String()
}
