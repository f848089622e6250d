package task

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// summaryLimit bounds the previews written to logs and telemetry.
const summaryLimit = 80

// Payload is the kind-specific input of a task.
type Payload struct {
	// Text is the passage to operate on.
	Text string `json:"text"`

	// SourceLang is the language of Text (BCP-47 tag, optional except for translate).
	SourceLang string `json:"sourceLang,omitempty"`

	// TargetLang is the language to produce (translate, rewrite, vocabulary glosses).
	TargetLang string `json:"targetLang,omitempty"`

	// Options carries kind-specific switches such as a rewrite level.
	Options map[string]string `json:"options,omitempty"`
}

// Normalize returns a copy with trimmed text and lower-cased language tags so that
// logically identical requests produce identical cache keys.
func (p Payload) Normalize() Payload {
	out := Payload{
		Text:       strings.TrimSpace(p.Text),
		SourceLang: strings.ToLower(strings.TrimSpace(p.SourceLang)),
		TargetLang: strings.ToLower(strings.TrimSpace(p.TargetLang)),
	}
	if len(p.Options) > 0 {
		out.Options = make(map[string]string, len(p.Options))
		for k, v := range p.Options {
			out.Options[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
	return out
}

// Validate checks the fields each kind requires.
func (p Payload) Validate(kind Kind) error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("text is required")
	}
	switch kind {
	case KindTranslate:
		if p.SourceLang == "" || p.TargetLang == "" {
			return fmt.Errorf("translate requires source and target languages")
		}
	case KindDetectLanguage, KindSummarize, KindRewrite, KindAnalyzeVocabulary:
	default:
		return fmt.Errorf("unknown task kind %q", kind)
	}
	return nil
}

// Summary returns a single-line preview of the text for logs.
func (p Payload) Summary() string {
	return truncate(p.Text, summaryLimit)
}

// keyEscaper leaves ':' and '=' in a cache key only as separators.
var keyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`, "=", `\=`)

// CacheKey builds the deterministic memo key for a request.
// Format: kind:source:target[:opt=val...]:text, all fields normalized and
// escaped so that no field can forge a separator.
func CacheKey(kind Kind, p Payload) string {
	n := p.Normalize()
	parts := []string{string(kind), keyEscaper.Replace(n.SourceLang), keyEscaper.Replace(n.TargetLang)}

	if len(n.Options) > 0 {
		keys := make([]string, 0, len(n.Options))
		for k := range n.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, keyEscaper.Replace(k)+"="+keyEscaper.Replace(n.Options[k]))
		}
	}

	parts = append(parts, keyEscaper.Replace(n.Text))
	return strings.Join(parts, ":")
}

// Task is one unit of requested work.
type Task struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Payload     Payload   `json:"payload"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// VocabularyItem is one study entry extracted from a text.
type VocabularyItem struct {
	Term         string `json:"term"`
	Lemma        string `json:"lemma,omitempty"`
	PartOfSpeech string `json:"partOfSpeech,omitempty"`
	Translation  string `json:"translation,omitempty"`
	Level        string `json:"level,omitempty"`
}

// Result is the value produced by a provider for a task.
type Result struct {
	// Text is the translation, summary or rewrite.
	Text string `json:"text,omitempty"`

	// DetectedLanguage is set by detect_language (and by providers that report it).
	DetectedLanguage string `json:"detectedLanguage,omitempty"`

	// Confidence is the provider's confidence for detect_language, 0 when unknown.
	Confidence float64 `json:"confidence,omitempty"`

	// Vocabulary is set by analyze_vocabulary.
	Vocabulary []VocabularyItem `json:"vocabulary,omitempty"`

	// Provider is the adapter that produced the value.
	Provider string `json:"provider,omitempty"`

	// Model is the model identifier reported by the provider.
	Model string `json:"model,omitempty"`
}

// IsEmpty reports whether the result carries no usable value.
func (r Result) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && r.DetectedLanguage == "" && len(r.Vocabulary) == 0
}

// Summary returns a single-line preview of the result for logs.
func (r Result) Summary() string {
	switch {
	case r.Text != "":
		return truncate(r.Text, summaryLimit)
	case r.DetectedLanguage != "":
		return r.DetectedLanguage
	case len(r.Vocabulary) > 0:
		return fmt.Sprintf("%d vocabulary items", len(r.Vocabulary))
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
