// Package detector decides when a listing page should be re-rendered headlessly.
package detector

import (
	"bytes"
	"net/http"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

const defaultBodyThreshold = 2048

// scriptTagOverhead approximates the bytes of a <script ...></script> pair.
const scriptTagOverhead = len("<script>") + len("</script>")

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Heuristic promotes pages that parsed to nothing and look like a script shell.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether probe deserves a headless re-fetch. Pages that
// already yielded entries or did not answer 200 are never promoted.
func (h *Heuristic) ShouldPromote(probe crawler.Page) bool {
	if probe.StatusCode != http.StatusOK || len(probe.Entries) > 0 {
		return false
	}
	body := probe.Body
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptShare(body) >= 25
}

// scriptShare returns the percentage of body taken by script elements.
func scriptShare(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	covered := 0
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		covered += len(s.Text()) + scriptTagOverhead
	})
	if covered == 0 {
		return 0
	}
	share := covered * 100 / len(body)
	if share > 100 {
		share = 100
	}
	return share
}
