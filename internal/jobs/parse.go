package jobs

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Card class names used by the guest search markup.
const (
	classCard     = "base-search-card"
	classTitle    = "base-search-card__title"
	classSubtitle = "base-search-card__subtitle"
	classLocation = "job-search-card__location"
	classSalary   = "job-search-card__salary-info"
	classListDate = "job-search-card__listdate"
	classLink     = "base-card__full-link"
	classLogo     = "artdeco-entity-image"
)

// parseCards extracts one Posting per result card. Cards without a
// title are skipped.
func parseCards(r io.Reader) ([]Posting, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var postings []Posting
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && hasClass(n, classCard) {
			if p := parseCard(n); p.Position != "" {
				postings = append(postings, p)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return postings, nil
}

func parseCard(card *html.Node) Posting {
	var p Posting
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, classTitle):
				p.Position = textContent(n)
			case hasClass(n, classSubtitle):
				p.Company = textContent(n)
			case hasClass(n, classLocation):
				p.Location = textContent(n)
			case hasClass(n, classSalary):
				p.Salary = textContent(n)
			case n.DataAtom == atom.Time && hasClassPrefix(n, classListDate):
				p.Date = attr(n, "datetime")
				p.AgoTime = textContent(n)
			case n.DataAtom == atom.A && hasClass(n, classLink):
				p.JobURL = cleanJobURL(attr(n, "href"))
			case n.DataAtom == atom.Img && hasClass(n, classLogo):
				p.CompanyLogo = attr(n, "data-delayed-url")
				if p.CompanyLogo == "" {
					p.CompanyLogo = attr(n, "src")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(card)
	return p
}

// cleanJobURL drops LinkedIn's tracking query string.
func cleanJobURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return strings.TrimSpace(u)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// hasClassPrefix matches modifier variants such as
// job-search-card__listdate--new.
func hasClassPrefix(n *html.Node, prefix string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// textContent returns the node's text with whitespace collapsed.
func textContent(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
