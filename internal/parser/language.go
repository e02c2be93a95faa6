package parser

import "strings"

// Stopword profiles for the languages we commonly ingest. Detection is
// document level only; mixed-language documents get the dominant language.
var stopwordProfiles = map[string][]string{
	"en": {"the", "and", "for", "that", "with", "this", "are", "was", "from", "have", "not", "but", "you", "all"},
	"de": {"der", "die", "das", "und", "ist", "von", "mit", "für", "auf", "nicht", "ein", "eine", "werden", "sich"},
	"fr": {"les", "des", "est", "dans", "pour", "que", "une", "sur", "avec", "pas", "sont", "par", "plus", "vous"},
	"es": {"los", "las", "que", "por", "con", "para", "una", "del", "son", "está", "como", "más", "pero", "sus"},
	"it": {"che", "per", "con", "del", "della", "sono", "una", "più", "questo", "anche", "come", "alla", "gli", "nel"},
	"pt": {"que", "não", "uma", "para", "com", "por", "mais", "dos", "das", "são", "como", "mas", "foi", "ele"},
	"nl": {"het", "een", "van", "dat", "niet", "zijn", "voor", "met", "aan", "maar", "ook", "als", "bij", "naar"},
}

// DetectLanguage scores stopword hits per profile over at most the first
// 2000 words and returns the best ISO 639-1 code, or "" below confidence.
func DetectLanguage(text string) string {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 10 {
		return ""
	}
	if len(words) > 2000 {
		words = words[:2000]
	}

	scores := map[string]int{}
	for _, w := range words {
		w = strings.Trim(w, `.,;:!?"'()[]`)
		for lang, stops := range stopwordProfiles {
			for _, s := range stops {
				if w == s {
					scores[lang]++
					break
				}
			}
		}
	}

	best, bestScore := "", 0
	for lang, score := range scores {
		if score > bestScore {
			best, bestScore = lang, score
		}
	}
	// Require at least 2% stopword density before committing.
	if bestScore*50 < len(words) {
		return ""
	}
	return best
}
