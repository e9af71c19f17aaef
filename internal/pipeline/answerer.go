package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Citation is one cited source: a catalog doc id or a web URL.
type Citation struct {
	DocID string `json:"doc_id,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Answer is the Answerer's reply with the parts callers act on.
type Answer struct {
	Text                string     `json:"text"`
	Citations           []Citation `json:"citations"`
	UnverifiedCitations []Citation `json:"unverified_citations,omitempty"`
	SafetyFlag          bool       `json:"safety_flag"`
	SafetyReason        string     `json:"safety_reason,omitempty"`
	Grounded            bool       `json:"grounded"`
}

const (
	noDataAnswer = `* Final Answer:
- I could not find any products matching this request in the available sources, so I cannot recommend anything specific.

* Cited Sources:
  - none

* Safety Flags: Yes
  - ` + incompleteReason

	notApplicableAnswer = `* Final Answer:
- No product data was retrieved for this request, so I cannot make a grounded recommendation.

* Cited Sources:
  - none

* Safety Flags: Yes
  - ` + incompleteReason

	incompleteReason = "Retrieved knowledge is incomplete: no evidence supports an answer."
	unverifiedReason = "The answer cites sources that were not retrieved."
)

type Answerer struct {
	llm    LLM
	policy ContinuePolicy
}

func NewAnswerer(llm LLM, policy ContinuePolicy) *Answerer {
	return &Answerer{llm: llm, policy: policy}
}

// Answer synthesises the reply and decides whether the run is done. A
// sentinel knowledge value gets a fixed answer that claims nothing.
func (a *Answerer) Answer(ctx context.Context, r Retrieved, maxPasses int) (Answered, error) {
	var ans Answer
	if IsSentinel(r.Knowledge) {
		text := noDataAnswer
		if r.Knowledge == RetrievalNotApplicable {
			text = notApplicableAnswer
		}
		ans = Answer{Text: text, Citations: []Citation{}, SafetyFlag: true, SafetyReason: incompleteReason}
	} else {
		reply, err := a.llm.Chat(ctx, answerSystemPrompt, answerUserPrompt(r.Input, r.Knowledge))
		if err != nil {
			return Answered{}, fmt.Errorf("answerer: %w", err)
		}
		ans = checkAnswer(reply, r.Evidence)
	}
	done := a.policy.Done(r, ans) || r.Pass >= maxPasses
	return Answered{Retrieved: r, Answer: ans, Done: done}, nil
}

var (
	docCitation = regexp.MustCompile(`(?i)doc_id:\s*<?([A-Za-z0-9][^\s\]|,;>]*)`)
	urlCitation = regexp.MustCompile(`(?i)url:\s*<?(https?://[^\s\]|>]+)`)
	safetyLine  = regexp.MustCompile(`(?im)^\s*\*?\s*Safety Flags?:\s*(yes|no)\b(.*)$`)
)

// checkAnswer parses citations and the safety flag out of the model reply and
// flags any citation the tools did not return.
func checkAnswer(reply string, ev Evidence) Answer {
	ans := Answer{Text: strings.TrimSpace(reply), Citations: []Citation{}}
	seen := map[Citation]bool{}
	add := func(c Citation, known bool) {
		if seen[c] {
			return
		}
		seen[c] = true
		if known {
			ans.Citations = append(ans.Citations, c)
		} else {
			ans.UnverifiedCitations = append(ans.UnverifiedCitations, c)
		}
	}
	for _, m := range docCitation.FindAllStringSubmatch(reply, -1) {
		id := strings.TrimRight(m[1], ".")
		add(Citation{DocID: id}, ev.hasDoc(id))
	}
	for _, m := range urlCitation.FindAllStringSubmatch(reply, -1) {
		u := strings.TrimRight(m[1], ".,)")
		add(Citation{URL: u}, ev.hasURL(u))
	}

	if m := safetyLine.FindStringSubmatch(reply); m != nil && strings.EqualFold(m[1], "yes") {
		ans.SafetyFlag = true
		ans.SafetyReason = safetyReason(reply, m)
	}
	if len(ans.UnverifiedCitations) > 0 {
		ans.SafetyFlag = true
		if ans.SafetyReason == "" {
			ans.SafetyReason = unverifiedReason
		} else {
			ans.SafetyReason += " " + unverifiedReason
		}
	}
	ans.Grounded = len(ans.Citations) > 0 && len(ans.UnverifiedCitations) == 0
	return ans
}

// safetyReason takes the text after "Yes" on the flag line, or the bullet below it.
func safetyReason(reply string, m []string) string {
	if r := strings.Trim(strings.TrimSpace(m[2]), "-\u2014: "); r != "" {
		return r
	}
	idx := strings.Index(reply, m[0])
	rest := reply[idx+len(m[0]):]
	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(line, "-"))
	}
	return ""
}
