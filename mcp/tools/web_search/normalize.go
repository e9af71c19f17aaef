package websearch

import (
	"regexp"
	"sort"
	"strings"
)

var (
	titleSeparators = regexp.MustCompile(`[|\-():]`)
	noisePatterns   = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b\d+\s*pcs?\b`),
		regexp.MustCompile(`(?i)\b\d+\s*pc\b`),
		regexp.MustCompile(`(?i)\b\d+\s*piece(s)?\b`),
		regexp.MustCompile(`(?i)\b\d+\s*(inch|inches|in)\b`),
		regexp.MustCompile(`(?i)\b\d+\s*(cm|mm|oz|g|ml)\b`),
		regexp.MustCompile(`(?i)\b1/\d+\s*scale\b`),
		regexp.MustCompile(`(?i)\bfor ages?\s*\d+\+?\b`),
	}
	spaces = regexp.MustCompile(`\s+`)
)

// CleanTitle broadens an over-specific product title into a search phrase:
// it keeps the text before the first separator and strips piece counts,
// sizes, scale ratios and age ranges. The result may be empty.
func CleanTitle(title string) string {
	base := strings.TrimSpace(titleSeparators.Split(title, 2)[0])
	for _, re := range noisePatterns {
		base = re.ReplaceAllString(base, "")
	}
	return strings.TrimSpace(spaces.ReplaceAllString(base, " "))
}

// NormalizeQuery is CleanTitle falling back to the trimmed query when
// cleaning leaves nothing.
func NormalizeQuery(q string) string {
	if cleaned := CleanTitle(q); cleaned != "" {
		return cleaned
	}
	return strings.TrimSpace(q)
}

// FilterShopping drops results without a URL and, unless that leaves
// nothing, results whose URL carries the upstream "q=nan" artifact.
func FilterShopping(results []Result) []Result {
	withURL := make([]Result, 0, len(results))
	for _, r := range results {
		if strings.TrimSpace(r.URL) != "" {
			withURL = append(withURL, r)
		}
	}
	clean := make([]Result, 0, len(withURL))
	for _, r := range withURL {
		if !strings.Contains(strings.ToLower(r.URL), "q=nan") {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return withURL
	}
	return clean
}

// SortByQuality orders results by (has rating, rating count, rating), each
// descending. The sort is stable so equal keys keep upstream order.
func SortByQuality(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := qualityKey(results[i]), qualityKey(results[j])
		if a.hasRating != b.hasRating {
			return a.hasRating
		}
		if a.count != b.count {
			return a.count > b.count
		}
		return a.rating > b.rating
	})
}

type quality struct {
	hasRating bool
	count     int
	rating    float64
}

func qualityKey(r Result) quality {
	q := quality{hasRating: r.Rating != nil}
	if r.RatingCount != nil {
		q.count = *r.RatingCount
	}
	if r.Rating != nil {
		q.rating = *r.Rating
	}
	return q
}
