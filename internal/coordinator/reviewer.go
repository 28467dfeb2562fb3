package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/loom/internal/backend"
	"github.com/basket/loom/internal/memory"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Verdict is the reviewer's structured judgment of a draft.
type Verdict struct {
	Verdict  string `json:"verdict"` // "approve" or "reject"
	Feedback string `json:"feedback"`
}

func (v Verdict) Approve() bool {
	return v.Verdict == "approve"
}

const verdictSchemaJSON = `{
	"type": "object",
	"properties": {
		"verdict": {"type": "string", "enum": ["approve", "reject"]},
		"feedback": {"type": "string"}
	},
	"required": ["verdict"],
	"additionalProperties": false
}`

const defaultReviewerInstructions = `You are a strict quality reviewer. You receive a user request and a draft
answer. Judge whether the draft fully and correctly answers the request.
Respond with JSON only, no prose around it:
{"verdict": "approve"} when the draft is acceptable, or
{"verdict": "reject", "feedback": "<specific, actionable revision guidance>"} when it is not.`

// Reviewer asks the backend to judge drafts and validates the reply against
// the verdict schema. A reply that is not valid verdict JSON is an error;
// callers decide how to degrade.
type Reviewer struct {
	instructions string
	schema       *jsonschema.Schema
}

func NewReviewer(instructions string) (*Reviewer, error) {
	if strings.TrimSpace(instructions) == "" {
		instructions = defaultReviewerInstructions
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(verdictSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse verdict schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add verdict schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	return &Reviewer{instructions: instructions, schema: schema}, nil
}

// Review asks be to judge the draft against the original request.
func (r *Reviewer) Review(ctx context.Context, be backend.Backend, request, draft string) (Verdict, error) {
	completion, err := be.Invoke(ctx, backend.Request{
		Messages: []memory.Message{
			{Role: "system", Content: r.instructions},
			{Role: "user", Content: "Request:\n" + request + "\n\nDraft:\n" + draft},
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("reviewer invoke: %w", err)
	}
	return r.parse(completion.Text)
}

// parse extracts and validates the verdict JSON. Models often wrap JSON in
// code fences or prose; the first balanced object is taken.
func (r *Reviewer) parse(text string) (Verdict, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return Verdict{}, fmt.Errorf("no JSON object in reviewer reply")
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Verdict{}, fmt.Errorf("reviewer reply is not valid JSON: %w", err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return Verdict{}, fmt.Errorf("reviewer reply fails verdict schema: %w", err)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return v, nil
}

func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return ""
}
