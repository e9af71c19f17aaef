package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

const routerSystemPrompt = `You are the Router Agent. Read the user request and:
1) Identify the main task.
2) Extract constraints (budget, materials, brands).
3) Detect any safety concerns and flag them if necessary.

Reply with ONLY a JSON object of this shape:
{"task": "...", "budget": "...", "material": "...", "brand": "...", "safety_flag": false, "safety_reason": ""}
Use an empty string for any constraint the user did not state.`

const plannerSystemPrompt = `You are the Planning Agent. Your task is to analyze the User Query and Intent and produce a precise retrieval plan that the Retrieval Agent can execute.

Core responsibilities:
1) Select the data source: "private" or "both".
   Choose "both" if the user asks for information that is current, live, updated, latest, now, or real-time.
   Choose "private" for all other queries.
2) Identify the fields that must be retrieved (e.g. product descriptions, prices, ratings).
3) Extract constraints from the User Query. Allowed fields: "price", "rating".
   Example filters: "price": {"$lt": 30} and "rating": {"$gte": 3.5}
4) Specify comparison criteria that should be used to evaluate retrieved options (e.g. price, rating).
5) Set "retrieval_needed" to false only when the request cannot be answered with product data at all.

Reply with ONLY a JSON object:
{"data_source": "private|both", "retrieval_needed": true, "fields": ["..."], "constraints": {"price": {"$lt": 30}}, "comparison_criteria": ["..."], "search_query": "short catalog search phrase", "web_mode": "shopping|web"}`

const answerSystemPrompt = `You are the Answer Critic Agent. Your job is to synthesize a concise, well-grounded, citation-backed, and safe final answer using ONLY the Retrieved Knowledge.

Core rules:
- Provide a final answer that directly and accurately responds to the User Request.
- You MUST ground every statement in the Retrieved Knowledge. No new facts, no assumptions, no hallucinations.
- Cite evidence for each key point using document IDs for rag_search_tool results and URLs for web_search_tool results.
- If the Retrieved Knowledge contains harmful, unsafe, or incomplete information, clearly flag it.
- Tool entries carrying an "error" are not evidence.

REQUIRED OUTPUT FORMAT (follow EXACTLY):

* Final Answer:
- Concise summary of the response based on the Retrieved Knowledge.

* Cited Sources:
  - <evidence snippet 1>  [source: rag_search_tool | doc_id: <id>]
  - <evidence snippet 2>  [source: web_search_tool | url: <url>]

* Safety Flags: Yes/No
  - <If Yes, provide a single brief sentence explaining the issue>`

func routerUserPrompt(input string) string {
	return "USER REQUEST:\n" + input
}

func plannerUserPrompt(input string, intent Intent, previous *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### User Query\n%s\n\n### Interpreted Intent\n%s\n", input, intent.Summary())
	if previous != nil {
		prev, _ := json.Marshal(previous)
		fmt.Fprintf(&b, "\n### Previous Plan\n%s\nThe previous plan found no usable evidence. Broaden it: relax or drop constraints and use a more general search phrase.\n", prev)
	}
	return b.String()
}

func answerUserPrompt(input, knowledge string) string {
	return fmt.Sprintf("### User Request\n%s\n\n### Retrieved Knowledge\n%s\n", input, knowledge)
}
