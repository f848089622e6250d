package article

import (
	"bytes"
	"regexp"
	"slices"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
)

// Noise that never belongs to the article body.
var (
	noiseTags = []string{
		"nav", "header", "footer", "aside", "script", "style", "noscript",
		"iframe", "object", "embed", "form", "input", "button", "img", "picture",
		"svg", "video", "audio", "figure",
	}
	noiseClasses = []string{
		"nav", "navbar", "navigation", "sidebar", "menu", "footer", "header",
		"ad", "ads", "advertisement", "promo", "newsletter", "subscribe",
		"social", "share", "comments", "related", "breadcrumb", "cookie",
	}
	mainSelectors = []string{"article", "main", "[role=main]"}
)

// Converter turns an HTML page into readable markdown text.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a converter. Links are rendered as their text only, since
// the output is reading material for a model rather than a document.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	converter.AddRules(md.Rule{
		Filter: []string{"a"},
		Replacement: func(content string, _ *goquery.Selection, _ *md.Options) *string {
			return md.String(strings.TrimSpace(content))
		},
	})
	return &Converter{converter: converter}
}

// Convert extracts the title, language and main text of a page.
func (c *Converter) Convert(content []byte) (*Article, error) {
	meta := readMeta(content)

	markdown, err := c.converter.ConvertString(mainContent(content))
	if err != nil {
		return nil, err
	}
	markdown = cleanMarkdown(markdown)

	if meta.Title == "" {
		meta.Title = markdownTitle(markdown)
	}
	meta.Text = markdown
	return meta, nil
}

// readMeta pulls the title and declared language from the document head.
// og:title is preferred because <title> usually carries the site name too.
func readMeta(content []byte) *Article {
	a := &Article{}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return a
	}

	a.Title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	if a.Title == "" {
		a.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	lang := strings.TrimSpace(doc.Find("html").AttrOr("lang", ""))
	if lang == "" {
		lang = strings.TrimSpace(doc.Find(`meta[http-equiv="content-language"]`).AttrOr("content", ""))
	}
	// "es-MX" and "es_MX" both reduce to "es".
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	a.Lang = strings.ToLower(lang)
	return a
}

// mainContent returns the HTML of the article body, or the cleaned body when the
// page marks no main area.
func mainContent(content []byte) string {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return basicHTMLCleanup(string(content))
	}

	root := doc
	tags := noiseTags
	for _, selector := range mainSelectors {
		if node := findElement(doc, selector); node != nil {
			root = node
			// An article's own header holds its headline.
			tags = slices.DeleteFunc(slices.Clone(noiseTags), func(t string) bool { return t == "header" })
			break
		}
	}
	if root == doc {
		if body := findElement(doc, "body"); body != nil {
			root = body
		}
	}

	removeElements(root, tags)
	removeByClass(root, noiseClasses)
	return renderNode(root)
}

// findElement finds the first element matching a tag or [attr=value] selector.
func findElement(n *html.Node, selector string) *html.Node {
	if n.Type == html.ElementNode && matchesSelector(n, selector) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, selector); found != nil {
			return found
		}
	}
	return nil
}

func matchesSelector(n *html.Node, selector string) bool {
	if strings.HasPrefix(selector, "[") && strings.HasSuffix(selector, "]") {
		key, val, ok := strings.Cut(strings.Trim(selector, "[]"), "=")
		if !ok {
			return false
		}
		for _, a := range n.Attr {
			if a.Key == key && a.Val == val {
				return true
			}
		}
		return false
	}
	return n.Data == selector
}

// removeElements detaches all elements with the given tag names.
func removeElements(n *html.Node, tags []string) {
	tagSet := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagSet[tag] = true
	}
	detach(n, func(node *html.Node) bool { return tagSet[node.Data] })
}

// removeByClass detaches elements carrying any of the given class names.
func removeByClass(n *html.Node, classes []string) {
	classSet := make(map[string]bool, len(classes))
	for _, class := range classes {
		classSet[class] = true
	}
	detach(n, func(node *html.Node) bool {
		for _, a := range node.Attr {
			if a.Key != "class" {
				continue
			}
			for _, c := range strings.Fields(strings.ToLower(a.Val)) {
				if classSet[c] {
					return true
				}
			}
		}
		return false
	})
}

// detach removes every element below n that matches, without descending into
// removed subtrees.
func detach(n *html.Node, match func(*html.Node) bool) {
	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && match(c) {
				toRemove = append(toRemove, c)
				continue
			}
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		node.Parent.RemoveChild(node)
	}
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		return ""
	}
	return sb.String()
}

// basicHTMLCleanup strips scripts and styles when the page does not parse.
func basicHTMLCleanup(content string) string {
	content = scriptRe.ReplaceAllString(content, "")
	return styleRe.ReplaceAllString(content, "")
}

func cleanMarkdown(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	content = strings.Join(lines, "\n")
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

// markdownTitle returns the first H1 heading.
func markdownTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
