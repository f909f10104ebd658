package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		page crawler.Page
		want bool
	}{
		{
			name: "empty body",
			page: crawler.Page{StatusCode: 200, Body: []byte("  ")},
			want: true,
		},
		{
			name: "spa marker",
			page: crawler.Page{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)},
			want: true,
		},
		{
			name: "script dense shell",
			page: crawler.Page{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)},
			want: true,
		},
		{
			name: "entries parsed",
			page: crawler.Page{
				StatusCode: 200,
				Body:       []byte(`<div id="app"></div>`),
				Entries:    []crawler.PageEntry{{Year: 2020, URL: "https://example.com/2020/01/01/a/"}},
			},
			want: false,
		},
		{
			name: "plain empty listing",
			page: crawler.Page{StatusCode: 200, Body: []byte(`<html><body><p>` + strings.Repeat("no results ", 20) + `</p></body></html>`)},
			want: false,
		},
		{
			name: "non 200",
			page: crawler.Page{StatusCode: 404, Body: []byte("not found")},
			want: false,
		},
	}

	h := NewHeuristic(1000)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, h.ShouldPromote(tc.page))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
}
