package pipeline

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
	"github.com/mohammad-safakhou/shopvoice/mcp"
)

//go:embed plan_schema.json
var planSchemaJSON []byte

// ErrPlanInvalid means the Planner output could not be turned into a Plan.
var ErrPlanInvalid = errors.New("planner returned an invalid plan")

type DataSource string

const (
	SourcePrivate DataSource = "private"
	SourceBoth    DataSource = "both"
)

// IncludesPrivate is true for every valid source.
func (d DataSource) IncludesPrivate() bool { return d == SourcePrivate || d == SourceBoth }

// IncludesWeb is true only for both.
func (d DataSource) IncludesWeb() bool { return d == SourceBoth }

// Plan is the validated retrieval plan.
type Plan struct {
	DataSource         DataSource          `json:"data_source" validate:"required,oneof=private both"`
	RetrievalNeeded    bool                `json:"retrieval_needed"`
	Fields             []string            `json:"fields"`
	Constraints        catalog.Constraints `json:"constraints"`
	ComparisonCriteria []string            `json:"comparison_criteria" validate:"dive,required"`
	SearchQuery        string              `json:"search_query,omitempty"`
	WebMode            string              `json:"web_mode,omitempty" validate:"omitempty,oneof=web shopping"`
	NResults           int                 `json:"n_results,omitempty" validate:"omitempty,min=1,max=50"`
}

type planWire struct {
	DataSource         DataSource          `json:"data_source"`
	RetrievalNeeded    *bool               `json:"retrieval_needed"`
	Fields             []string            `json:"fields"`
	Constraints        catalog.Constraints `json:"constraints"`
	ComparisonCriteria []string            `json:"comparison_criteria"`
	SearchQuery        string              `json:"search_query"`
	WebMode            string              `json:"web_mode"`
	NResults           int                 `json:"n_results"`
}

var (
	planSchemaOnce sync.Once
	planSchema     *jsonschema.Schema
	planSchemaErr  error
	planValidate   = validator.New()
)

func compiledPlanSchema() (*jsonschema.Schema, error) {
	planSchemaOnce.Do(func() {
		planSchema, planSchemaErr = mcp.CompileSchema("plan_schema.json", planSchemaJSON)
	})
	return planSchema, planSchemaErr
}

// ParsePlan extracts the first JSON object from raw, checks it against the
// plan schema and the struct rules, and fills defaults.
func ParsePlan(raw string) (Plan, error) {
	doc := extractJSON(raw)
	if doc == "" {
		return Plan{}, fmt.Errorf("%w: no JSON object in reply", ErrPlanInvalid)
	}
	doc, err := normalizeEnums(doc)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	schema, err := compiledPlanSchema()
	if err != nil {
		return Plan{}, err
	}
	if err := mcp.ValidateJSON(schema, []byte(doc)); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}

	var w planWire
	if err := json.Unmarshal([]byte(doc), &w); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	p := Plan{
		DataSource:         w.DataSource,
		RetrievalNeeded:    w.RetrievalNeeded == nil || *w.RetrievalNeeded,
		Fields:             w.Fields,
		Constraints:        w.Constraints,
		ComparisonCriteria: w.ComparisonCriteria,
		SearchQuery:        strings.TrimSpace(w.SearchQuery),
		WebMode:            w.WebMode,
		NResults:           w.NResults,
	}
	if err := planValidate.Struct(p); err != nil {
		return Plan{}, fmt.Errorf("%w: %v", ErrPlanInvalid, err)
	}
	return p, nil
}

// enumKeys are matched case-insensitively; models often capitalise them.
var enumKeys = []string{"data_source", "web_mode"}

// normalizeEnums lower-cases the enum string values of a plan document.
func normalizeEnums(doc string) (string, error) {
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return "", err
	}
	changed := false
	for _, k := range enumKeys {
		if v, ok := m[k].(string); ok {
			if norm := strings.ToLower(strings.TrimSpace(v)); norm != v {
				m[k] = norm
				changed = true
			}
		}
	}
	if !changed {
		return doc, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// extractJSON returns the first balanced {...} block, ignoring code fences and
// braces inside strings.
func extractJSON(s string) string {
	start, depth := -1, 0
	inString, escaped := false, false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

var liveCue = regexp.MustCompile(`(?i)\b(current|currently|live|updated|latest|now|real[- ]?time|today|trending|in stock)\b`)

// HasLiveCue reports whether the query asks for current information.
func HasLiveCue(query string) bool { return liveCue.MatchString(query) }
