// Package listing extracts dated item cards from listing pages.
package listing

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// Defaults used when a Config leaves a field empty.
const (
	DefaultCardSelector   = "div.d-tag-card"
	DefaultArticlePattern = `^https?://[^/]+/.+/\d{4}/\d{2}/\d{2}/`
)

// DefaultLinkSelectors are tried in order inside each card.
var DefaultLinkSelectors = []string{
	"h4.d-tag-card__title a",
	"a.d-tag-card__title",
	"a.d-tag-card__permalink",
	"a",
}

var urlDate = regexp.MustCompile(`/(\d{4})/\d{2}/\d{2}/`)

// Day-first layouts come before month-first ones so 05/01/2020 reads as 5 January.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"02/01/2006 15:04",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
	"2 January 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// Config selects which parts of the page count as entries.
type Config struct {
	// CardSelector matches one element per item. Links outside cards are ignored.
	CardSelector string
	// LinkSelectors are tried in order; the first with an href wins.
	LinkSelectors []string
	// ArticlePattern filters resolved hrefs. Empty accepts every link.
	ArticlePattern string
}

// Parser turns listing HTML into page entries.
type Parser struct {
	card    string
	links   []string
	article *regexp.Regexp
}

// NewParser compiles cfg, filling defaults for empty fields.
func NewParser(cfg Config) (*Parser, error) {
	p := &Parser{card: cfg.CardSelector, links: cfg.LinkSelectors}
	if strings.TrimSpace(p.card) == "" {
		p.card = DefaultCardSelector
	}
	if len(p.links) == 0 {
		p.links = DefaultLinkSelectors
	}
	pattern := cfg.ArticlePattern
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile article pattern: %w", err)
		}
		p.article = re
	}
	return p, nil
}

// Default returns a parser with the default selectors and article pattern.
func Default() *Parser {
	p, _ := NewParser(Config{ArticlePattern: DefaultArticlePattern})
	return p
}

// ParseHTML parses body and extracts its entries.
func (p *Parser) ParseHTML(body []byte, base *url.URL) ([]crawler.PageEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}
	return p.Parse(doc, base), nil
}

// Parse returns the entries found in doc in document order. Cards without a
// usable href or year are skipped.
func (p *Parser) Parse(doc *goquery.Document, base *url.URL) []crawler.PageEntry {
	var entries []crawler.PageEntry
	doc.Find(p.card).Each(func(_ int, card *goquery.Selection) {
		href := p.href(card, base)
		if href == "" {
			return
		}
		if p.article != nil && !p.article.MatchString(href) {
			return
		}
		year, ts := cardDate(card)
		if year == 0 {
			year = yearFromURL(href)
		}
		if year == 0 {
			return
		}
		entries = append(entries, crawler.PageEntry{Year: year, URL: href, Timestamp: ts})
	})
	return entries
}

func (p *Parser) href(card *goquery.Selection, base *url.URL) string {
	for _, sel := range p.links {
		raw, ok := card.Find(sel).First().Attr("href")
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		return ref.String()
	}
	return ""
}

func cardDate(card *goquery.Selection) (int, string) {
	raw, ok := card.Find("time[datetime]").First().Attr("datetime")
	if !ok {
		return 0, ""
	}
	t, ok := ParseDate(raw)
	if !ok {
		// Unknown formats keep the raw value; the year comes from the URL.
		return 0, strings.TrimSpace(raw)
	}
	return t.Year(), t.Format(time.RFC3339)
}

// ParseDate reads the common datetime attribute formats.
func ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func yearFromURL(href string) int {
	m := urlDate.FindStringSubmatch(href)
	if m == nil {
		return 0
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return year
}
