package chunker

import (
	"strings"

	"github.com/kbforge/kbforge/internal/docmodel"
)

func init() { Register(tokenStrategy{}) }

// tokenStrategy measures size in whitespace tokens instead of characters.
// Boundaries prefer sentence ends within a 10% window below the budget so
// chunks rarely cut mid-sentence.
type tokenStrategy struct{}

func (tokenStrategy) Name() string { return StrategyToken }

func (tokenStrategy) Chunk(doc *docmodel.Document, cfg Config) ([]Chunk, error) {
	var chunks []Chunk
	var window []string
	var first *unit
	var overlapTokens []string

	flushWindow := func() {
		if first == nil || len(window) == 0 {
			return
		}
		content := strings.Join(window, " ")
		chunks = append(chunks, Chunk{
			Content:     content,
			ElementPath: first.path,
			TokenCount:  len(window),
			Metadata: Metadata{
				HeadingTrail: first.trail,
				Page:         first.page,
			},
		})
		if cfg.Overlap > 0 && cfg.Overlap < len(window) {
			overlapTokens = append([]string(nil), window[len(window)-cfg.Overlap:]...)
		} else {
			overlapTokens = nil
		}
		window = window[:0]
		first = nil
	}

	for _, u := range flatten(doc) {
		if u.sectionMark {
			flushWindow()
			continue
		}
		tokens := strings.Fields(u.text)
		if u.indivisible && cfg.PreserveStructure && len(tokens) > cfg.TargetSize {
			flushWindow()
			overlapTokens = nil
			chunks = append(chunks, Chunk{
				Content:     u.text,
				ElementPath: u.path,
				TokenCount:  len(tokens),
				Metadata: Metadata{
					HeadingTrail: u.trail,
					Page:         u.page,
					Oversized:    true,
				},
			})
			continue
		}
		for _, tok := range tokens {
			if first == nil {
				u2 := u
				first = &u2
				if len(overlapTokens) > 0 {
					window = append(window, overlapTokens...)
					overlapTokens = nil
				}
			}
			window = append(window, tok)
			if len(window) >= cfg.TargetSize {
				// Back off to the last sentence end inside the final 10%.
				cut := len(window)
				floor := cut - cfg.TargetSize/10
				for i := cut - 1; i >= floor && i >= 0; i-- {
					if endsSentence(window[i]) {
						cut = i + 1
						break
					}
				}
				rest := append([]string(nil), window[cut:]...)
				window = window[:cut]
				flushWindow()
				if len(rest) > 0 {
					u2 := u
					first = &u2
					window = append(window, overlapTokens...)
					overlapTokens = nil
					window = append(window, rest...)
				}
			}
		}
	}
	flushWindow()
	return chunks, nil
}

func endsSentence(tok string) bool {
	tok = strings.TrimRight(tok, `"')`)
	return strings.HasSuffix(tok, ".") || strings.HasSuffix(tok, "?") || strings.HasSuffix(tok, "!")
}
