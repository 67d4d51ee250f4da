package ingest

import "strings"

// Chunk is one embedding-sized slice of a document.
type Chunk struct {
	Index  int    `json:"index"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Split cuts text into chunks of at most maxTokens estimated tokens,
// preferring sentence boundaries. Sentences over the budget fall back to
// word splits. Output is deterministic for a given input.
func Split(text string, maxTokens int) []Chunk {
	if maxTokens <= 0 {
		maxTokens = 400
	}
	var chunks []Chunk
	cur := ""
	flush := func() {
		if cur != "" {
			chunks = append(chunks, Chunk{Index: len(chunks), Text: cur, Tokens: EstimateTokens(cur)})
			cur = ""
		}
	}
	for _, s := range splitSentences(text) {
		if EstimateTokens(s) > maxTokens {
			flush()
			for _, piece := range splitByWords(s, maxTokens) {
				chunks = append(chunks, Chunk{Index: len(chunks), Text: piece, Tokens: EstimateTokens(piece)})
			}
			continue
		}
		joined := s
		if cur != "" {
			joined = cur + " " + s
		}
		if EstimateTokens(joined) > maxTokens {
			flush()
			joined = s
		}
		cur = joined
	}
	flush()
	return chunks
}

// splitSentences breaks text on sentence terminators and blank lines.
func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		switch {
		case r == '.' || r == '!' || r == '?':
			if i+1 >= len(runes) || isBoundary(runes[i+1]) {
				emit()
			}
		case r == '\n' && i+1 < len(runes) && runes[i+1] == '\n':
			emit()
		}
	}
	emit()
	return out
}

func isBoundary(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

func splitByWords(s string, maxTokens int) []string {
	var out []string
	cur := ""
	for _, w := range strings.Fields(s) {
		joined := w
		if cur != "" {
			joined = cur + " " + w
		}
		if cur != "" && EstimateTokens(joined) > maxTokens {
			out = append(out, cur)
			joined = w
		}
		cur = joined
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
