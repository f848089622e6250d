// Package task defines the unit of AI work that flows between the router and the
// worker: its kind, its payload, its result and the error taxonomy shared by every
// layer that touches it.
package task

// Kind identifies what a task asks a provider to do.
// Instead of dispatching on free-form strings, every layer switches over this enum.
type Kind string

const (
	// KindTranslate translates text from a source to a target language.
	KindTranslate Kind = "translate"

	// KindDetectLanguage identifies the language of a text.
	KindDetectLanguage Kind = "detect_language"

	// KindSummarize produces a short summary of an article or passage.
	KindSummarize Kind = "summarize"

	// KindRewrite rewrites text at a simpler reading level.
	KindRewrite Kind = "rewrite"

	// KindAnalyzeVocabulary extracts study vocabulary from a text.
	KindAnalyzeVocabulary Kind = "analyze_vocabulary"
)

// AllKinds returns every known kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindTranslate,
		KindDetectLanguage,
		KindSummarize,
		KindRewrite,
		KindAnalyzeVocabulary,
	}
}

// IsValid checks if a kind is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindTranslate, KindDetectLanguage, KindSummarize, KindRewrite, KindAnalyzeVocabulary:
		return true
	}
	return false
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a string to a Kind, returning empty for invalid values.
func ParseKind(s string) Kind {
	k := Kind(s)
	if k.IsValid() {
		return k
	}
	return ""
}
