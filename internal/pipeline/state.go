package pipeline

import "encoding/json"

// Sentinel knowledge values. They are valid evidence, not failures.
const (
	NoDataFound             = "No data found."
	RetrievalNotApplicable  = "Retrieval not applicable."
	retrievedKnowledgeTitle = "* Retrieved data:"
)

// IsSentinel reports whether knowledge carries no evidence.
func IsSentinel(knowledge string) bool {
	return knowledge == NoDataFound || knowledge == RetrievalNotApplicable
}

// Query is the input record of a run.
type Query struct {
	RunID string
	Input string
}

// Routed adds the Router's intent.
type Routed struct {
	Query
	Intent Intent
}

// Planned adds the Planner's plan. Pass counts from 1; Previous is set on re-planning.
type Planned struct {
	Routed
	Plan     Plan
	Pass     int
	Previous *Plan
}

// Retrieved adds the Retriever's evidence.
type Retrieved struct {
	Planned
	Knowledge        string
	RetrievedContext []json.RawMessage
	Evidence         Evidence
	Warnings         []string
}

// Answered adds the Answerer's reply and the continuation decision.
type Answered struct {
	Retrieved
	Answer Answer
	Done   bool
}

// Evidence indexes what the tools actually returned, for citation checks.
type Evidence struct {
	DocIDs  []string `json:"doc_ids"`
	URLs    []string `json:"urls"`
	Records int      `json:"records"`
	Calls   []string `json:"calls"`
}

func (e Evidence) hasDoc(id string) bool  { return contains(e.DocIDs, id) }
func (e Evidence) hasURL(url string) bool { return contains(e.URLs, url) }

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Result is the terminal snapshot handed to callers.
type Result struct {
	RunID            string            `json:"run_id"`
	Input            string            `json:"input"`
	Intent           Intent            `json:"intent"`
	Plan             Plan              `json:"plan"`
	Knowledge        string            `json:"knowledge"`
	RetrievedContext []json.RawMessage `json:"retrieved_context"`
	Response         string            `json:"response"`
	Answer           Answer            `json:"answer"`
	Done             bool              `json:"done"`
	Passes           int               `json:"passes"`
	Warnings         []string          `json:"warnings,omitempty"`
}

func resultOf(a Answered, warnings []string) *Result {
	ctx := a.RetrievedContext
	if ctx == nil {
		ctx = []json.RawMessage{}
	}
	return &Result{
		RunID:            a.RunID,
		Input:            a.Input,
		Intent:           a.Intent,
		Plan:             a.Plan,
		Knowledge:        a.Knowledge,
		RetrievedContext: ctx,
		Response:         a.Answer.Text,
		Answer:           a.Answer,
		Done:             a.Done,
		Passes:           a.Pass,
		Warnings:         warnings,
	}
}
