package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/mcp"
)

func ptrF(f float64) *float64 { return &f }
func ptrI(i int) *int         { return &i }

func TestCleanTitle(t *testing.T) {
	cases := map[string]string{
		"LEGO Classic Bricks - 500 pcs for ages 4+": "LEGO Classic Bricks",
		"Die-cast Car 1/43 scale":                   "Die",
		"Plush Bear 12 inch for age 3 (Brown)":      "Plush Bear",
		"Crayola Markers 10 pc | Washable":          "Crayola Markers",
		"Bubble Solution 32 oz 6 Pieces":            "Bubble Solution",
		"Wooden Train Set: Deluxe":                  "Wooden Train Set",
		"Race Track 1/24 Scale Kids":                "Race Track Kids",
		"   ":                                       "",
		"12 pcs":                                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, CleanTitle(in), in)
	}
}

func TestNormalizeQueryFallsBackToInput(t *testing.T) {
	assert.Equal(t, "12 pcs", NormalizeQuery(" 12 pcs "))
	assert.Equal(t, "stuffed animal", NormalizeQuery("stuffed animal"))
}

func TestSortByQualityOrdersRatedFirst(t *testing.T) {
	results := []Result{
		{Title: "B", URL: "b"},
		{Title: "C", URL: "c", Rating: ptrF(4.9), RatingCount: ptrI(2)},
		{Title: "A", URL: "a", Rating: ptrF(4.5), RatingCount: ptrI(10)},
		{Title: "D", URL: "d", RatingCount: ptrI(1000)},
	}
	SortByQuality(results)
	var titles []string
	for _, r := range results {
		titles = append(titles, r.Title)
	}
	assert.Equal(t, []string{"A", "C", "D", "B"}, titles)
}

func TestSortByQualityBreaksCountTiesOnRating(t *testing.T) {
	results := []Result{
		{Title: "low", URL: "1", Rating: ptrF(3.0), RatingCount: ptrI(5)},
		{Title: "high", URL: "2", Rating: ptrF(4.8), RatingCount: ptrI(5)},
	}
	SortByQuality(results)
	assert.Equal(t, "high", results[0].Title)
}

func TestFilterShopping(t *testing.T) {
	in := []Result{{Title: "empty"}, {Title: "nan", URL: "https://x.test/?Q=NaN"}, {Title: "ok", URL: "https://x.test/p"}}
	out := FilterShopping(in)
	require.Len(t, out, 1)
	assert.Equal(t, "ok", out[0].Title)

	onlyNan := []Result{{Title: "nan", URL: "https://x.test/?q=nan"}, {Title: "empty", URL: " "}}
	out = FilterShopping(onlyNan)
	require.Len(t, out, 1)
	assert.Equal(t, "nan", out[0].Title)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeShopping, m)
	m, err = ParseMode("WEB")
	require.NoError(t, err)
	assert.Equal(t, ModeWeb, m)
	_, err = ParseMode("images")
	require.Error(t, err)
}

const shoppingBody = `{"shopping":[
 {"title":"Unrated Bear","source":"Shop B","link":"https://b.test/bear","price":"$19.99"},
 {"title":"Bear","source":"Shop C","link":"https://c.test/bear","price":"$24.99","rating":4.9,"ratingCount":2,"delivery":"Free delivery"},
 {"title":"Broken","link":"https://google.test/shopping?q=nan","rating":5,"ratingCount":999},
 {"title":"Popular Bear","source":"Shop A","link":"https://a.test/bear","price":"$29.99","rating":4.5,"ratingCount":10}
]}`

func newSerperServer(t *testing.T, h http.HandlerFunc) *Serper {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewSerper(SerperOptions{APIKey: "key", Endpoint: ts.URL, Timeout: time.Second, BreakerFailures: 2, BreakerCooldown: time.Minute})
}

func TestToolShoppingFiltersAndRanks(t *testing.T) {
	var got map[string]any
	client := newSerperServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shopping", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-API-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, shoppingBody)
	})
	tool := NewTool(client, zap.NewNop())

	res, err := tool.Execute(context.Background(), map[string]any{"query": "Teddy Bear - 12 inch", "max_results": json.Number("3")})
	require.NoError(t, err)
	out := res.(Output)

	assert.Equal(t, "Teddy Bear", got["q"])
	assert.EqualValues(t, 3, got["num"])
	assert.True(t, out.Available)
	assert.Nil(t, out.Note)
	assert.Equal(t, ModeShopping, out.Mode)
	assert.Equal(t, "Teddy Bear", out.QueryUsed)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "Bear", out.Results[0].Title)
	assert.Equal(t, "Unrated Bear", out.Results[1].Title)
	assert.Equal(t, "Free delivery", out.Results[0].Snippet)
	assert.Equal(t, 2, *out.Results[0].RatingCount)
}

func TestToolWebMode(t *testing.T) {
	client := newSerperServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		_, _ = io.WriteString(w, `{"organic":[{"title":"Guide","link":"https://g.test","snippet":"Best toys"},{"title":"No link"}]}`)
	})
	res, err := NewTool(client, nil).Execute(context.Background(), map[string]any{"query": "best toys 2024", "mode": "web"})
	require.NoError(t, err)
	out := res.(Output)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "https://g.test", out.Results[0].URL)
	assert.Nil(t, out.Results[0].Rating)
}

func TestToolWithoutKeyReportsUnavailable(t *testing.T) {
	tool := NewTool(NewSerper(SerperOptions{}), nil)
	assert.False(t, tool.Descriptor().Available)

	res, err := tool.Execute(context.Background(), map[string]any{"query": "lego"})
	require.NoError(t, err)
	out := res.(Output)
	assert.False(t, out.Available)
	require.NotNil(t, out.Note)
	assert.Equal(t, "SERPER_API_KEY not set.", *out.Note)
	assert.NotNil(t, out.Results)
	assert.Empty(t, out.Results)
}

func TestToolRejectsUnknownMode(t *testing.T) {
	tool := NewTool(NewSerper(SerperOptions{APIKey: "k"}), nil)
	_, err := tool.Execute(context.Background(), map[string]any{"query": "lego", "mode": "images"})
	require.Error(t, err)
}

func TestUpstreamErrorIsTruncated(t *testing.T) {
	client := newSerperServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, strings.Repeat("x", 1000))
	})
	_, err := client.Search(context.Background(), ModeWeb, "q", 5)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.Code)
	assert.Len(t, se.Body, 300)
}

func TestBreakerOpensAfterServerErrors(t *testing.T) {
	var calls int32
	client := newSerperServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	for i := 0; i < 2; i++ {
		_, err := client.Search(context.Background(), ModeShopping, "q", 5)
		require.Error(t, err)
	}
	_, err := client.Search(context.Background(), ModeShopping, "q", 5)
	require.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestBadRequestsDoNotTripBreaker(t *testing.T) {
	var calls int32
	client := newSerperServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})
	for i := 0; i < 4; i++ {
		_, err := client.Search(context.Background(), ModeWeb, "q", 5)
		require.False(t, errors.Is(err, ErrUnavailable))
	}
	assert.EqualValues(t, 4, atomic.LoadInt32(&calls))
}

func TestOutputMatchesAdvertisedSchema(t *testing.T) {
	tool := NewTool(NewSerper(SerperOptions{}), nil)
	reg := mcp.NewRegistry()
	require.NoError(t, reg.Register(tool))
	_, err := reg.Call(context.Background(), ToolName, map[string]any{"query": "lego"})
	require.NoError(t, err)

	_, err = reg.Call(context.Background(), ToolName, map[string]any{"query": "lego", "max_results": 50})
	require.ErrorIs(t, err, mcp.ErrInvalidArguments)
}
