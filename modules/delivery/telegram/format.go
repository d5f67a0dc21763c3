package telegram

import (
	"strings"
	"unicode/utf8"
)

const parseModeMarkdownV2 = "MarkdownV2"

// escaper escapes every character reserved by MarkdownV2.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	`_`, `\_`, `*`, `\*`, `[`, `\[`, `]`, `\]`, `(`, `\(`, `)`, `\)`,
	`~`, `\~`, "`", "\\`", `>`, `\>`, `#`, `\#`, `+`, `\+`, `-`, `\-`,
	`=`, `\=`, `|`, `\|`, `{`, `\{`, `}`, `\}`, `.`, `\.`, `!`, `\!`,
)

// escapeMarkdownV2 escapes text for use outside entities.
func escapeMarkdownV2(text string) string {
	return escaper.Replace(text)
}

// toMarkdownV2 renders the common markdown of agent replies as MarkdownV2.
// Fenced code blocks and inline code pass through, **bold** becomes *bold*
// and everything else is escaped.
func toMarkdownV2(text string) string {
	var b strings.Builder
	fenced := false
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fenced = !fenced
			b.WriteString(line)
			continue
		}
		if fenced {
			b.WriteString(escapeCode(line))
			continue
		}
		writeInline(&b, line)
	}
	return b.String()
}

// escapeCode escapes the two characters MarkdownV2 reserves inside code.
func escapeCode(s string) string {
	return strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(s)
}

func writeInline(b *strings.Builder, line string) {
	for line != "" {
		switch {
		case strings.HasPrefix(line, "`"):
			if end := strings.IndexByte(line[1:], '`'); end >= 0 {
				b.WriteString("`" + escapeCode(line[1:end+1]) + "`")
				line = line[end+2:]
				continue
			}
		case strings.HasPrefix(line, "**"):
			if end := strings.Index(line[2:], "**"); end > 0 {
				b.WriteString("*" + escapeMarkdownV2(line[2:end+2]) + "*")
				line = line[end+4:]
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(line)
		b.WriteString(escapeMarkdownV2(string(r)))
		line = line[size:]
	}
}

// splitText cuts text into chunks of at most limit runes, preferring
// paragraph then line then word boundaries.
func splitText(text string, limit int) []string {
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := cutPoint(text, limit)
		chunk := strings.TrimRight(text[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// cutPoint returns the byte offset at which to split text so that the head
// holds at most limit runes.
func cutPoint(text string, limit int) int {
	maxBytes := 0
	for i := range text {
		if limit == 0 {
			maxBytes = i
			break
		}
		limit--
	}
	head := text[:maxBytes]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(head, sep); i > len(head)/2 {
			return i + len(sep)
		}
	}
	return maxBytes
}
