package transcript

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/verity/runtime/agent/model"
)

func TestLedger_BuildAndValidate(t *testing.T) {
	l := NewLedger(model.UserText("what is the refund policy?"))
	l.AppendText("let me ")
	l.AppendText("check")
	l.DeclareToolUse("tu1", "knowledge.search", json.RawMessage(`{"query":"refund"}`))
	require.NoError(t, l.AppendUserToolResults([]ToolResultSpec{{ToolUseID: "tu1", Content: "30 days"}}))

	msgs := l.BuildMessages()
	require.Len(t, msgs, 3)
	require.Equal(t, model.ConversationRoleAssistant, msgs[1].Role)
	require.Equal(t, model.TextPart{Text: "let me check"}, msgs[1].Parts[0])
	require.IsType(t, model.ToolUsePart{}, msgs[1].Parts[1])
	require.Equal(t, model.ConversationRoleUser, msgs[2].Role)
	require.NoError(t, Validate(msgs))
}

func TestLedger_MultipleToolUseSingleUserMessage(t *testing.T) {
	l := NewLedger()
	l.DeclareToolUse("tu1", "tool_one", nil)
	l.DeclareToolUse("tu2", "tool_two", nil)
	require.NoError(t, l.AppendUserToolResults([]ToolResultSpec{
		{ToolUseID: "tu2", Content: "b"},
		{ToolUseID: "tu1", Content: "a", IsError: true},
	}))

	msgs := l.BuildMessages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].Parts, 2)
	require.NoError(t, Validate(msgs))
}

func TestLedger_RejectsMismatchedResults(t *testing.T) {
	l := NewLedger()
	l.DeclareToolUse("tu1", "tool_one", nil)
	require.Error(t, l.AppendUserToolResults(nil))

	l = NewLedger()
	l.DeclareToolUse("tu1", "tool_one", nil)
	require.Error(t, l.AppendUserToolResults([]ToolResultSpec{{ToolUseID: "other"}}))
}

func TestValidate_MissingResult(t *testing.T) {
	msgs := []*model.Message{
		{Role: model.ConversationRoleAssistant, Parts: []model.Part{model.ToolUsePart{ID: "tu1", Name: "x"}}},
	}
	require.Error(t, Validate(msgs))
}

func TestBuildMessagesIncludesPendingAssistant(t *testing.T) {
	l := NewLedger()
	l.AppendText("final answer")
	msgs := l.BuildMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, "final answer", msgs[0].Text())
}
