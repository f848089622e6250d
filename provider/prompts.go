package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/lexitask/task"
)

// chatMessage is the role/content pair shared by both chat APIs.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// languageNames gives prompts a readable name for common tags.
var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"ja": "Japanese",
	"zh": "Chinese",
	"ko": "Korean",
	"ru": "Russian",
}

func languageName(tag string) string {
	if name, ok := languageNames[tag]; ok {
		return name
	}
	return tag
}

// systemPrompt returns the instructions for a kind. Translation prompts depend on the
// language pair, which is why the builtin adapter caches them per pair.
func systemPrompt(kind task.Kind, p task.Payload) string {
	switch kind {
	case task.KindTranslate:
		return fmt.Sprintf("You are a translator. Translate the user's text from %s to %s. "+
			"Reply with the translation only, without quotes or commentary.",
			languageName(p.SourceLang), languageName(p.TargetLang))
	case task.KindDetectLanguage:
		return "Identify the language of the user's text. Reply with JSON only: " +
			`{"language": "<ISO 639-1 code>", "confidence": <0..1>}`
	case task.KindSummarize:
		sentences := 3
		if n, err := strconv.Atoi(p.Options["sentences"]); err == nil && n > 0 {
			sentences = n
		}
		lang := "the same language as the text"
		if p.TargetLang != "" {
			lang = languageName(p.TargetLang)
		}
		return fmt.Sprintf("Summarize the user's text in at most %d sentences, written in %s. "+
			"Reply with the summary only.", sentences, lang)
	case task.KindRewrite:
		level := p.Options["level"]
		if level == "" {
			level = "B1"
		}
		return fmt.Sprintf("Rewrite the user's text so a language learner at CEFR level %s can read it. "+
			"Keep the original language and meaning. Reply with the rewritten text only.", level)
	case task.KindAnalyzeVocabulary:
		target := "English"
		if p.TargetLang != "" {
			target = languageName(p.TargetLang)
		}
		return fmt.Sprintf("List the vocabulary a learner should study in the user's text. "+
			"Reply with a JSON array only. Each item has the fields "+
			`"term", "lemma", "partOfSpeech", "translation" (into %s) and "level" (CEFR).`, target)
	}
	return ""
}

// buildMessages returns the chat messages for one attempt.
func buildMessages(system, text string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}
}

// parseContent turns raw model output into a Result for kind.
func parseContent(kind task.Kind, content string) (task.Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return task.Result{}, task.Errorf(task.ErrEmptyResult, "provider returned no content")
	}

	switch kind {
	case task.KindTranslate, task.KindSummarize, task.KindRewrite:
		return task.Result{Text: content}, nil
	case task.KindDetectLanguage:
		return parseDetection(content)
	case task.KindAnalyzeVocabulary:
		return parseVocabulary(content)
	}
	return task.Result{}, task.Errorf(task.ErrUnsupportedInputPair, "unknown task kind %q", kind)
}

func parseDetection(content string) (task.Result, error) {
	var out struct {
		Language   string  `json:"language"`
		Confidence float64 `json:"confidence"`
	}
	if raw := extractJSONObject(content); raw != "" && json.Unmarshal([]byte(raw), &out) == nil && out.Language != "" {
		return task.Result{DetectedLanguage: strings.ToLower(out.Language), Confidence: out.Confidence}, nil
	}

	// Small models often answer with the bare code.
	if code := strings.ToLower(strings.Trim(content, " .\"'`")); len(code) >= 2 && len(code) <= 3 && !strings.ContainsAny(code, " \n{") {
		return task.Result{DetectedLanguage: code}, nil
	}
	return task.Result{}, task.Errorf(task.ErrEmptyResult, "no language in response: %.80s", content)
}

func parseVocabulary(content string) (task.Result, error) {
	var items []task.VocabularyItem
	if raw := extractJSONArray(content); raw != "" {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			items = nil
		}
	}
	if len(items) == 0 {
		// Some models wrap the list: {"vocabulary": [...]}
		var wrapped struct {
			Vocabulary []task.VocabularyItem `json:"vocabulary"`
		}
		if raw := extractJSONObject(content); raw != "" && json.Unmarshal([]byte(raw), &wrapped) == nil {
			items = wrapped.Vocabulary
		}
	}

	kept := items[:0]
	for _, item := range items {
		if strings.TrimSpace(item.Term) != "" {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return task.Result{}, task.Errorf(task.ErrEmptyResult, "no vocabulary items in response")
	}
	return task.Result{Vocabulary: kept}, nil
}
