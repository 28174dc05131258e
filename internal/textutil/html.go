package textutil

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var collapseWhitespace = regexp.MustCompile(`[ \t]+`)

// StripHTML renders HTML content as plain text suitable for SMS bodies.
// Block elements become line breaks; inline markup is dropped. Input that is
// not parseable HTML is returned trimmed and whitespace-collapsed.
func StripHTML(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return normalize(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return normalize(s)
	}
	doc.Find("br").Each(func(_ int, sel *goquery.Selection) {
		sel.ReplaceWithHtml("\n")
	})
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})
	doc.Find("script, style").Remove()
	return normalize(doc.Text())
}

func normalize(s string) string {
	s = collapseWhitespace.ReplaceAllString(s, " ")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
