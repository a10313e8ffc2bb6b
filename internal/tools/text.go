package tools

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	extractLimit = 8000
	textLimit    = 4000
)

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(` {2,}`)
)

// readableText converts page HTML into line-oriented visible text.
func readableText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, svg, iframe, template, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6, section, article, header, footer, dt, dd, td, th").
		Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml("\n")
		})

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	var lines []string
	for _, line := range strings.Split(body.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// headTail keeps the first 60% and the last 30% of the limit when text is
// longer than limit runes.
func headTail(text string, limit int) string {
	r := []rune(text)
	if len(r) > limit {
		head := limit * 6 / 10
		tail := limit * 3 / 10
		text = string(r[:head]) + "\n\n...(middle of page omitted)...\n\n" + string(r[len(r)-tail:])
	}
	text = blankLines.ReplaceAllString(text, "\n\n")
	return spaceRuns.ReplaceAllString(text, " ")
}

func truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit]) + "\n...(content truncated)"
}

var challengeMarkers = []string{
	"captcha", "verify", "robot", "human", "challenge",
	"验证", "人机", "安全检查", "please wait", "checking",
}

func looksLikeChallenge(title, body string) bool {
	text := strings.ToLower(title + " " + body)
	for _, m := range challengeMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
