// Package prompt builds the text prompt sent to the generation backend.
package prompt

import (
	"strings"

	"github.com/ashureev/sqlchat/internal/domain"
)

// WindowSize is the number of trailing turns included in a prompt,
// counting the newest user turn.
const WindowSize = 5

// NoSchemaMarker replaces the schema section when no schema is bound.
const NoSchemaMarker = "(no schema provided)"

// NoHistoryMarker replaces the history section when it is empty.
const NoHistoryMarker = "(no conversation history)"

const systemInstruction = "You are an assistant that converts natural language questions " +
	"to syntactically correct SQL for the given database schema.\n" +
	"Follow these rules strictly:\n" +
	"1. Use only the tables and columns that exist in the schema.\n" +
	"2. Do not invent columns or tables.\n" +
	"3. Return exactly one SQL statement.\n" +
	"4. Wrap the SQL in a Markdown ```sql code block.\n"

const closingReminder = "Answer the last user question. " +
	"Return only the SQL query in a ```sql code block. " +
	"Do not add explanations or comments outside the code block.\n"

// Assemble renders the prompt for one turn. It is pure: the same inputs
// always produce the same text.
//
// history is expected to be the trailing window (oldest first) ending with
// the user turn carrying question. If it does not end that way, the
// question is rendered as an extra final user line so it is never lost.
// Schema text is inserted verbatim.
func Assemble(schemaText string, history []domain.Turn, question string) string {
	var b strings.Builder

	b.WriteString(systemInstruction)
	b.WriteString("\nSCHEMA:\n")
	if strings.TrimSpace(schemaText) == "" {
		b.WriteString(NoSchemaMarker)
	} else {
		b.WriteString(schemaText)
	}
	b.WriteString("\n\nCONVERSATION HISTORY:\n")

	lines := historyLines(history, question)
	if len(lines) == 0 {
		b.WriteString(NoHistoryMarker)
		b.WriteString("\n")
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(closingReminder)
	return b.String()
}

func historyLines(history []domain.Turn, question string) []string {
	lines := make([]string, 0, len(history)+1)
	for _, turn := range history {
		lines = append(lines, renderTurn(turn.Role, turn.Text))
	}

	if question == "" {
		return lines
	}
	if n := len(history); n == 0 || history[n-1].Role != domain.RoleUser || history[n-1].Text != question {
		lines = append(lines, renderTurn(domain.RoleUser, question))
	}
	return lines
}

func renderTurn(role domain.Role, text string) string {
	return string(role) + ": " + text
}
