// Package websearch: Serper web and shopping search with result normalisation.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mohammad-safakhou/shopvoice/internal/metrics"
)

// Mode selects the Serper endpoint.
type Mode string

const (
	ModeWeb      Mode = "web"
	ModeShopping Mode = "shopping"
)

// ParseMode maps "" to shopping and rejects anything but web or shopping.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeShopping:
		return ModeShopping, nil
	case ModeWeb:
		return ModeWeb, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want web or shopping)", s)
	}
}

// Result is one normalised web or shopping hit.
type Result struct {
	Title        string   `json:"title"`
	URL          string   `json:"url"`
	Snippet      string   `json:"snippet"`
	Source       string   `json:"source,omitempty"`
	Price        any      `json:"price"`
	Availability *string  `json:"availability"`
	Rating       *float64 `json:"rating"`
	RatingCount  *int     `json:"rating_count"`
}

type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// StatusError is a non-200 reply from Serper.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("serper %d: %s", e.Code, e.Body) }

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("serper: temporarily unavailable")

const DefaultEndpoint = "https://google.serper.dev"

// Serper is a Serper.dev client guarded by a circuit breaker.
type Serper struct {
	APIKey   string
	Endpoint string
	Doer     Doer
	breaker  *gobreaker.CircuitBreaker
}

// SerperOptions configures NewSerper. Zero values take defaults.
type SerperOptions struct {
	APIKey          string
	Endpoint        string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	Doer            Doer
}

func NewSerper(o SerperOptions) *Serper {
	if o.Endpoint == "" {
		o.Endpoint = DefaultEndpoint
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.Doer == nil {
		o.Doer = &http.Client{Timeout: o.Timeout}
	}
	failures := o.BreakerFailures
	return &Serper{
		APIKey:   o.APIKey,
		Endpoint: strings.TrimRight(o.Endpoint, "/"),
		Doer:     o.Doer,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "serper",
			Timeout: o.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// Rejected queries say nothing about upstream health.
			IsSuccessful: func(err error) bool {
				var se *StatusError
				if errors.As(err, &se) {
					return se.Code < 500 && se.Code != http.StatusTooManyRequests
				}
				return err == nil
			},
		}),
	}
}

// Configured reports whether an API key is present.
func (s *Serper) Configured() bool { return s != nil && strings.TrimSpace(s.APIKey) != "" }

// Search runs q against the endpoint for mode and returns at most k results
// in upstream order. Results without a URL are dropped.
func (s *Serper) Search(ctx context.Context, mode Mode, q string, k int) ([]Result, error) {
	if strings.TrimSpace(q) == "" {
		return nil, errors.New("serper: empty query")
	}
	if k < 1 {
		k = 1
	}
	path := "/search"
	if mode == ModeShopping {
		path = "/shopping"
	}

	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.post(ctx, path, map[string]any{"q": q, "num": k})
	})
	if err != nil {
		metrics.UpstreamCall(path, metrics.Error)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	metrics.UpstreamCall(path, metrics.OK)
	body := v.([]byte)

	if mode == ModeShopping {
		return decodeShopping(body, k)
	}
	return decodeOrganic(body, k)
}

func (s *Serper) post(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 300)}
	}
	return body, nil
}

func decodeOrganic(body []byte, k int) ([]Result, error) {
	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("serper: decode organic: %w", err)
	}
	out := make([]Result, 0, len(raw.Organic))
	for _, r := range raw.Organic {
		if len(out) >= k {
			break
		}
		if strings.TrimSpace(r.Link) == "" {
			continue
		}
		out = append(out, Result{Title: r.Title, URL: strings.TrimSpace(r.Link), Snippet: r.Snippet})
	}
	return out, nil
}

func decodeShopping(body []byte, k int) ([]Result, error) {
	var raw struct {
		Shopping []struct {
			Title        string   `json:"title"`
			Source       string   `json:"source"`
			Link         string   `json:"link"`
			Snippet      string   `json:"snippet"`
			Price        any      `json:"price"`
			Availability string   `json:"availability"`
			Condition    string   `json:"condition"`
			Delivery     string   `json:"delivery"`
			Rating       *float64 `json:"rating"`
			RatingCount  *float64 `json:"ratingCount"`
		} `json:"shopping"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("serper: decode shopping: %w", err)
	}
	out := make([]Result, 0, len(raw.Shopping))
	for i, r := range raw.Shopping {
		if i >= k {
			break
		}
		res := Result{
			Title:   r.Title,
			URL:     strings.TrimSpace(r.Link),
			Snippet: r.Snippet,
			Source:  r.Source,
			Price:   r.Price,
			Rating:  r.Rating,
		}
		if res.Snippet == "" {
			res.Snippet = r.Delivery
		}
		if a := firstNonEmpty(r.Availability, r.Condition); a != "" {
			res.Availability = &a
		}
		if r.RatingCount != nil {
			n := int(*r.RatingCount)
			res.RatingCount = &n
		}
		out = append(out, res)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
