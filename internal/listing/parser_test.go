package listing

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

const listingHTML = `<!doctype html>
<html><body>
<header><a href="https://example.com/portada/2025/01/01/banner/">hoy</a></header>
<div class="d-tag-card">
  <h4 class="d-tag-card__title"><a href="/pais/2021/01/03/nota-a/">A</a></h4>
  <time datetime="2021-01-03T10:15:00-03:00">3 ene</time>
</div>
<div class="d-tag-card">
  <a class="d-tag-card__permalink" href="https://example.com/pais/2020/12/30/nota-b/">B</a>
</div>
<div class="d-tag-card">
  <a class="d-tag-card__title" href="https://example.com/pais/2020/12/29/nota-c/?utm_source=feed">C</a>
  <time datetime="05/01/2020">5 ene</time>
</div>
<div class="d-tag-card">
  <a href="https://example.com/autor/juan">autor</a>
  <time datetime="2020-12-28">28 dic</time>
</div>
<div class="d-tag-card"><span>sin enlace</span></div>
<footer><a href="https://example.com/pais/2025/02/02/pie/">pie</a></footer>
</body></html>`

func TestParserExtractsCards(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/claves/feed/page/7/")
	require.NoError(t, err)

	entries, err := Default().ParseHTML([]byte(listingHTML), base)
	require.NoError(t, err)
	require.Equal(t, []crawler.PageEntry{
		{Year: 2021, URL: "https://example.com/pais/2021/01/03/nota-a/", Timestamp: "2021-01-03T10:15:00-03:00"},
		{Year: 2020, URL: "https://example.com/pais/2020/12/30/nota-b/"},
		{Year: 2020, URL: "https://example.com/pais/2020/12/29/nota-c/?utm_source=feed", Timestamp: "2020-01-05T00:00:00Z"},
	}, entries)
}

func TestParserWithoutPatternKeepsDatedCards(t *testing.T) {
	t.Parallel()

	p, err := NewParser(Config{})
	require.NoError(t, err)
	entries, err := p.ParseHTML([]byte(listingHTML), nil)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	require.Equal(t, "/pais/2021/01/03/nota-a/", entries[0].URL)
	require.Equal(t, 2020, entries[3].Year)
}

func TestParserCustomSelectors(t *testing.T) {
	t.Parallel()

	p, err := NewParser(Config{
		CardSelector:  "li.post",
		LinkSelectors: []string{"a.permalink"},
	})
	require.NoError(t, err)
	html := `<ul>
<li class="post"><a class="permalink" href="https://blog.test/2019/03/04/x/">x</a></li>
<li class="post"><a href="https://blog.test/2019/03/04/y/">y</a></li>
</ul>`
	entries, err := p.ParseHTML([]byte(html), nil)
	require.NoError(t, err)
	require.Equal(t, []crawler.PageEntry{{Year: 2019, URL: "https://blog.test/2019/03/04/x/"}}, entries)
}

func TestParserKeepsUnparsedTimestamp(t *testing.T) {
	t.Parallel()

	html := `<div class="d-tag-card">
  <a href="https://example.com/pais/2019/05/06/nota-d/">D</a>
  <time datetime=" ayer ">ayer</time>
</div>
<div class="d-tag-card">
  <a href="https://example.com/pais/sin-fecha/">E</a>
  <time datetime="ayer">ayer</time>
</div>`
	p, err := NewParser(Config{})
	require.NoError(t, err)
	entries, err := p.ParseHTML([]byte(html), nil)
	require.NoError(t, err)
	require.Equal(t, []crawler.PageEntry{
		{Year: 2019, URL: "https://example.com/pais/2019/05/06/nota-d/", Timestamp: "ayer"},
	}, entries)
}

func TestNewParserRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := NewParser(Config{ArticlePattern: "("})
	require.Error(t, err)
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		year int
		ok   bool
	}{
		{in: "2020-05-01T08:00:00Z", year: 2020, ok: true},
		{in: "2019-12-31", year: 2019, ok: true},
		{in: "31/12/2018", year: 2018, ok: true},
		{in: "2 January 2017", year: 2017, ok: true},
		{in: "Mon, 02 Jan 2006 15:04:05 -0700", year: 2006, ok: true},
		{in: "yesterday", ok: false},
		{in: "  ", ok: false},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseDate(tc.in)
			require.Equal(t, tc.ok, ok)
			if ok {
				require.Equal(t, tc.year, got.Year())
			}
		})
	}
}
