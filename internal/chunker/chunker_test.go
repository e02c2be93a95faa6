package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbforge/kbforge/internal/docmodel"
	"github.com/kbforge/kbforge/internal/kberr"
)

func proseDoc() *docmodel.Document {
	return &docmodel.Document{
		Title: "Handbook",
		Elements: []docmodel.Element{
			{Kind: docmodel.KindHeading, Level: 1, Text: "Overview"},
			{Kind: docmodel.KindParagraph, Text: "The service ingests documents from configured sources. Each document is parsed into a structured tree."},
			{Kind: docmodel.KindParagraph, Text: "Chunks are embedded in batches. Vectors land in a per-base collection."},
			{Kind: docmodel.KindHeading, Level: 2, Text: "Limits"},
			{Kind: docmodel.KindParagraph, Text: "Uploads are capped at fifty megabytes. Larger files are rejected before parsing."},
		},
	}
}

func TestConfigValidateBounds(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", DefaultConfig(), true},
		{"min target no overlap", Config{Strategy: StrategyRecursive, TargetSize: 100, Overlap: 0}, true},
		{"max target half overlap", Config{Strategy: StrategyRecursive, TargetSize: 8000, Overlap: 4000}, true},
		{"target too small", Config{Strategy: StrategyRecursive, TargetSize: 99}, false},
		{"target too large", Config{Strategy: StrategyRecursive, TargetSize: 8001}, false},
		{"overlap above half", Config{Strategy: StrategyRecursive, TargetSize: 1000, Overlap: 501}, false},
		{"negative overlap", Config{Strategy: StrategyRecursive, TargetSize: 1000, Overlap: -1}, false},
		{"unknown strategy", Config{Strategy: "fancy", TargetSize: 1000}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, kberr.IsInvalidArgument(err))
			}
		})
	}
}

func TestAllStrategiesRegistered(t *testing.T) {
	names := Names()
	for _, want := range []string{
		StrategyRecursive, StrategySentence, StrategyToken, StrategySemantic,
		StrategyByHeading, StrategyBySection, StrategyParagraph,
		StrategyAdaptive, StrategyHybrid,
	} {
		assert.Contains(t, names, want)
	}
}

func TestOversizedTableEmittedWhole(t *testing.T) {
	rows := make([][]docmodel.TableCell, 0, 400)
	rows = append(rows, []docmodel.TableCell{{Text: "key", Header: true}, {Text: "value", Header: true}})
	for i := 0; i < 400; i++ {
		rows = append(rows, []docmodel.TableCell{
			{Text: strings.Repeat("k", 20)}, {Text: strings.Repeat("v", 30)},
		})
	}
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "Reference table follows."},
		{Kind: docmodel.KindTable, Rows: rows},
	}}

	for _, strat := range []string{StrategyRecursive, StrategySentence, StrategyParagraph} {
		t.Run(strat, func(t *testing.T) {
			chunks, err := Split(doc, Config{
				Strategy: strat, TargetSize: 1000, Overlap: 0, PreserveStructure: true,
			})
			require.NoError(t, err)

			var oversized []Chunk
			for _, c := range chunks {
				if c.Metadata.Oversized {
					oversized = append(oversized, c)
				}
			}
			require.Len(t, oversized, 1)
			assert.Greater(t, oversized[0].CharCount, 1000)
			assert.Contains(t, oversized[0].Content, "| key | value |")
		})
	}
}

func TestOversizedSplitWhenStructureNotPreserved(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: strings.Repeat("alpha beta gamma. ", 300)},
	}}

	chunks, err := Split(doc, Config{
		Strategy: StrategyRecursive, TargetSize: 500, Overlap: 0, PreserveStructure: false,
	})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.False(t, c.Metadata.Oversized)
		assert.LessOrEqual(t, c.CharCount, 500)
	}
}

func TestOrdinalsAreSequentialAndDeterministic(t *testing.T) {
	doc := proseDoc()
	cfg := Config{Strategy: StrategyRecursive, TargetSize: 120, Overlap: 20, PreserveStructure: true}

	first, err := Split(doc, cfg)
	require.NoError(t, err)
	second, err := Split(doc, cfg)
	require.NoError(t, err)

	require.Equal(t, first, second)
	for i, c := range first {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, len(c.Content), c.CharCount)
		assert.Greater(t, c.TokenCount, 0)
	}
}

func TestHeadingTrailAttached(t *testing.T) {
	chunks, err := Split(proseDoc(), Config{
		Strategy: StrategyRecursive, TargetSize: 100, Overlap: 0, PreserveStructure: true,
	})
	require.NoError(t, err)

	var limitsTrail []string
	for _, c := range chunks {
		if strings.Contains(c.Content, "fifty megabytes") {
			limitsTrail = c.Metadata.HeadingTrail
		}
	}
	assert.Equal(t, []string{"Overview", "Limits"}, limitsTrail)
}

func TestByHeadingGroupsSections(t *testing.T) {
	chunks, err := Split(proseDoc(), Config{
		Strategy: StrategyByHeading, TargetSize: 2000, Overlap: 0, PreserveStructure: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// Small sibling sections merge; every chunk keeps heading context.
	joined := ""
	for _, c := range chunks {
		joined += c.Content + "\n"
	}
	assert.Contains(t, joined, "Overview")
	assert.Contains(t, joined, "Limits")
	assert.Contains(t, joined, "fifty megabytes")
}

func TestBySectionCutsAtBreaks(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "Part one."},
		{Kind: docmodel.KindSection},
		{Kind: docmodel.KindParagraph, Text: "Part two."},
	}}

	chunks, err := Split(doc, Config{
		Strategy: StrategyBySection, TargetSize: 1000, Overlap: 0, PreserveStructure: true,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Part one.", chunks[0].Content)
	assert.Equal(t, "Part two.", chunks[1].Content)
}

func TestTokenStrategyCountsTokens(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: strings.TrimSpace(strings.Repeat("word ", 500))},
	}}

	chunks, err := Split(doc, Config{
		Strategy: StrategyToken, TargetSize: 120, Overlap: 0, PreserveStructure: true,
	})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)
	total := 0
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 120)
		total += c.TokenCount
	}
	assert.Equal(t, 500, total)
}

func TestTokenOverlapRepeatsTokens(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: strings.TrimSpace(strings.Repeat("word ", 300))},
	}}

	cfg := Config{Strategy: StrategyToken, TargetSize: 100, Overlap: 10, PreserveStructure: true}
	chunks, err := Split(doc, cfg)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	assert.Greater(t, total, 300)
}

func TestSentenceStrategyKeepsSentencesWhole(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "First sentence here. Second sentence follows. Third one closes."},
	}}

	chunks, err := Split(doc, Config{
		Strategy: StrategySentence, TargetSize: 100, Overlap: 0, PreserveStructure: true,
	})
	require.NoError(t, err)
	for _, c := range chunks {
		for _, part := range strings.Split(c.Content, "\n\n") {
			assert.True(t, strings.HasSuffix(part, "."), "fragment %q cut mid-sentence", part)
		}
	}
}

func TestSemanticFallbackIsDeterministic(t *testing.T) {
	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "Databases store relational tables and relational indexes. Relational tables hold typed rows. Meanwhile the weather today involves sunshine and light wind."},
	}}
	cfg := Config{Strategy: StrategySemantic, TargetSize: 8000, Overlap: 0, PreserveStructure: true}

	first, err := Split(doc, cfg)
	require.NoError(t, err)
	second, err := Split(doc, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	// The topic shift produces more than one chunk despite the size budget.
	assert.Greater(t, len(first), 1)
}

func TestSemanticGroupsByMeanSimilarity(t *testing.T) {
	// Cache sentences embed along one axis, billing along the other, so the
	// group mean collapses exactly at the topic boundary.
	UseSemanticEmbedder(func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, s := range texts {
			if strings.Contains(strings.ToLower(s), "cache") {
				out[i] = []float32{1, 0}
			} else {
				out[i] = []float32{0, 1}
			}
		}
		return out, nil
	})
	defer UseSemanticEmbedder(nil)

	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "Caches keep hot rows in memory. Cache eviction follows an LRU policy. Billing runs on a monthly invoice cycle. Invoices aggregate usage into line items."},
	}}
	chunks, err := Split(doc, Config{Strategy: StrategySemantic, TargetSize: 8000, Overlap: 0, PreserveStructure: true})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Content, "LRU policy")
	assert.NotContains(t, chunks[0].Content, "invoice")
	assert.Contains(t, chunks[1].Content, "monthly invoice cycle")
	assert.Contains(t, chunks[1].Content, "line items")
}

func TestSemanticBreaksOnSimilarityDrop(t *testing.T) {
	// Pair similarities run 0.985 then 0.761: the group mean stays above
	// tau, but the drop between adjacent pairs exceeds delta and splits.
	vecs := map[string][]float32{
		"The scheduler assigns work to idle runners.":     {1, 0},
		"Runners report completion back to the queue.":    {0.985, 0.174},
		"Report formatting uses a separate template set.": {0.636, 0.772},
	}
	UseSemanticEmbedder(func(texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, s := range texts {
			v, ok := vecs[s]
			require.True(t, ok, "unmapped sentence %q", s)
			out[i] = v
		}
		return out, nil
	})
	defer UseSemanticEmbedder(nil)

	doc := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: "The scheduler assigns work to idle runners. Runners report completion back to the queue. Report formatting uses a separate template set."},
	}}
	chunks, err := Split(doc, Config{Strategy: StrategySemantic, TargetSize: 8000, Overlap: 0, PreserveStructure: true})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Content, "idle runners")
	assert.Contains(t, chunks[0].Content, "back to the queue")
	assert.Contains(t, chunks[1].Content, "template set")
}

func TestAdaptivePicksHeadingForDenseOutlines(t *testing.T) {
	doc := &docmodel.Document{}
	for i := 0; i < 10; i++ {
		doc.Elements = append(doc.Elements,
			docmodel.Element{Kind: docmodel.KindHeading, Level: 2, Text: "Topic"},
			docmodel.Element{Kind: docmodel.KindParagraph, Text: "Short body."},
		)
	}
	assert.Equal(t, StrategyByHeading, pickStrategy(doc, DefaultConfig()))

	prose := &docmodel.Document{Elements: []docmodel.Element{
		{Kind: docmodel.KindParagraph, Text: strings.Repeat("long prose sentence without any headings at all. ", 100)},
	}}
	assert.Equal(t, StrategyRecursive, pickStrategy(prose, DefaultConfig()))
}

func TestContentCoverage(t *testing.T) {
	doc := proseDoc()
	for _, strat := range []string{StrategyRecursive, StrategySentence, StrategyByHeading, StrategyParagraph} {
		t.Run(strat, func(t *testing.T) {
			chunks, err := Split(doc, Config{
				Strategy: strat, TargetSize: 200, Overlap: 0, PreserveStructure: true,
			})
			require.NoError(t, err)
			joined := ""
			for _, c := range chunks {
				joined += c.Content + "\n"
			}
			for _, e := range doc.Elements {
				assert.Contains(t, joined, e.Text)
			}
		})
	}
}

func TestSplitRejectsUnknownStrategy(t *testing.T) {
	_, err := Split(proseDoc(), Config{Strategy: "nope", TargetSize: 1000})
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidArgument(err))
}

func TestWithAnnotations(t *testing.T) {
	chunks := []Chunk{{Content: "a"}, {Content: "b"}}
	out := WithAnnotations(chunks, []string{"confidential"})
	for _, c := range out {
		assert.Equal(t, []string{"confidential"}, c.Metadata.Annotations)
	}
	assert.Equal(t, chunks, WithAnnotations(chunks, nil))
}
