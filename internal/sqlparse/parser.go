// Package sqlparse extracts a SQL statement from free-form model output.
//
// Model output is scanned for Markdown code fences. Fences are paired in
// order of appearance: the first, third, fifth... delimiter opens a block
// and the following one closes it. An unterminated trailing fence is
// ignored.
package sqlparse

import (
	"strings"

	"github.com/ashureev/sqlchat/internal/domain"
)

const fence = "```"

// Block is one fenced segment of model output.
type Block struct {
	// Tag is the language label after the opening delimiter, empty for a
	// generic block.
	Tag  string
	Body string
}

// IsSQL reports whether the block is labelled as SQL.
func (b Block) IsSQL() bool {
	return strings.EqualFold(b.Tag, "sql")
}

// Parse extracts the SQL statement from raw. It never fails: when no usable
// fenced block exists the whole trimmed input is returned as SQL.
func Parse(raw string) domain.GenerationResult {
	result, _ := ParseWithStatus(raw)
	return result
}

// ParseWithStatus is Parse that also reports whether the fallback to raw
// text was taken.
func ParseWithStatus(raw string) (result domain.GenerationResult, degraded bool) {
	result.RawOutput = raw

	// Blocks tagged with another language (python, postgresql, ...) are
	// neither SQL nor generic. If nothing else matches, the whole raw text,
	// fences included, becomes the SQL.
	var generic *Block
	for _, block := range Blocks(raw) {
		if block.IsSQL() {
			result.SQL = strings.TrimSpace(block.Body)
			return result, false
		}
		if block.Tag == "" && generic == nil {
			b := block
			generic = &b
		}
	}
	if generic != nil {
		result.SQL = strings.TrimSpace(generic.Body)
		return result, false
	}

	result.SQL = strings.TrimSpace(raw)
	return result, true
}

// Blocks returns every terminated fenced block in raw, in order.
func Blocks(raw string) []Block {
	var blocks []Block
	rest := raw
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			return blocks
		}
		rest = rest[open+len(fence):]

		closeIdx := strings.Index(rest, fence)
		if closeIdx < 0 {
			return blocks
		}
		blocks = append(blocks, splitBlock(rest[:closeIdx]))
		rest = rest[closeIdx+len(fence):]
	}
}

// splitBlock separates the language label from the body. A multi-line
// block carries its label on the opening line. A single-line block is only
// treated as labelled when its first word is "sql".
func splitBlock(inner string) Block {
	nl := strings.IndexByte(inner, '\n')
	if nl < 0 {
		fields := strings.Fields(inner)
		if len(fields) > 0 && strings.EqualFold(fields[0], "sql") {
			body := strings.TrimSpace(inner)
			return Block{Tag: fields[0], Body: body[len(fields[0]):]}
		}
		return Block{Body: inner}
	}

	var tag string
	if fields := strings.Fields(inner[:nl]); len(fields) > 0 {
		tag = fields[0]
	}
	return Block{Tag: tag, Body: inner[nl+1:]}
}
