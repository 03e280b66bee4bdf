package output

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/utils/fileutil"
	urlutil "github.com/law-makers/harvest/internal/utils/url"
)

// CleanHTML drops scripts, styles, forms and most attributes so a page dump
// stays readable.
func CleanHTML(htmlContent string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, link, meta, noscript, iframe, svg, canvas, form, input, select, textarea").Remove()

	// Classes are kept on elements since they are what the locators match on.
	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		node := s.Nodes[0]
		var kept []html.Attribute
		for _, a := range node.Attr {
			switch {
			case a.Key == "class", a.Key == "id":
				kept = append(kept, a)
			case node.Data == "a" && (a.Key == "href" || a.Key == "title"):
				kept = append(kept, a)
			case node.Data == "img" && (a.Key == "src" || a.Key == "alt"):
				kept = append(kept, a)
			}
		}
		node.Attr = kept
	})

	out, err := doc.Html()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ToMarkdown converts a page to GitHub flavoured markdown, resolving links
// against base.
func ToMarkdown(base, htmlContent string) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	converter.AddRules(md.Rule{
		Filter: []string{"a"},
		Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
			href, ok := selec.Attr("href")
			if !ok {
				return nil
			}
			s := fmt.Sprintf("[%s](%s)", strings.TrimSpace(selec.Text()), urlutil.ResolveURL(base, href))
			return &s
		},
	})

	cleaned, err := CleanHTML(htmlContent)
	if err != nil {
		return "", err
	}
	return converter.ConvertString(cleaned)
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Snapshotter stores pages that could not be read so the locators can be
// fixed against what the site actually rendered.
type Snapshotter struct {
	Dir string
	now func() time.Time
}

// NewSnapshotter writes snapshots under dir. An empty dir disables them.
func NewSnapshotter(dir string) *Snapshotter {
	return &Snapshotter{Dir: dir, now: time.Now}
}

// Save writes the current page as markdown and returns the file path. A nil
// or disabled Snapshotter does nothing.
func (s *Snapshotter) Save(ctx context.Context, p browser.Page, label string) (string, error) {
	if s == nil || s.Dir == "" {
		return "", nil
	}
	content, err := p.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	location, _ := p.CurrentLocation(ctx)

	body, err := ToMarkdown(location, content)
	if err != nil {
		return "", fmt.Errorf("convert page: %w", err)
	}

	now := s.now().UTC()
	name := strings.Trim(unsafeName.ReplaceAllString(label, "_"), "_")
	if name == "" {
		name = "page"
	}
	path := filepath.Join(s.Dir, fmt.Sprintf("%s_%s.md", name, now.Format("20060102T150405")))

	doc := fmt.Sprintf("<!-- %s captured %s -->\n\n%s\n", location, now.Format(time.RFC3339), body)
	if err := fileutil.WriteAtomic(path, []byte(doc), 0o644); err != nil {
		return "", failure.Persistence("write snapshot", err).WithUnit(path)
	}
	return path, nil
}
