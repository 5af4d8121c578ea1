package curriculum

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// questionItemSchema only checks the discriminant; per-type fields are free-form.
// Any non-empty scalar is accepted as the type.
const questionItemSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": ["string", "number", "boolean"], "minLength": 1}
  }
}`

var (
	itemSchemaOnce sync.Once
	itemSchema     *gojsonschema.Schema
	itemSchemaErr  error
)

func questionSchema() (*gojsonschema.Schema, error) {
	itemSchemaOnce.Do(func() {
		itemSchema, itemSchemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(questionItemSchema))
	})
	return itemSchema, itemSchemaErr
}

// ExtractQuestions returns the question items of one level block. Items that
// are not mappings or lack a "type" are skipped individually. The type may be
// any scalar except null, false, zero and the empty string; it is stored in its
// string form.
// A block without a "questions" key yields no items; a "questions" value that
// is not a sequence is a FormatError for the level.
func ExtractQuestions(level Difficulty, block map[string]any) ([]Question, []SkippedItem, error) {
	v, ok := block["questions"]
	if !ok || v == nil {
		return nil, nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, nil, &FormatError{Level: level, Reason: fmt.Sprintf("questions is %T, not a sequence", v)}
	}

	schema, err := questionSchema()
	if err != nil {
		return nil, nil, fmt.Errorf("compiling question schema: %w", err)
	}

	var (
		questions []Question
		skipped   []SkippedItem
	)
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			skipped = append(skipped, SkippedItem{Level: level, Index: i, Reason: fmt.Sprintf("item is %T, not a mapping", item)})
			continue
		}

		result, err := schema.Validate(gojsonschema.NewGoLoader(m))
		if err != nil {
			skipped = append(skipped, SkippedItem{Level: level, Index: i, Reason: err.Error()})
			continue
		}
		if !result.Valid() {
			reasons := make([]string, 0, len(result.Errors()))
			for _, re := range result.Errors() {
				reasons = append(reasons, re.String())
			}
			skipped = append(skipped, SkippedItem{Level: level, Index: i, Reason: strings.Join(reasons, "; ")})
			continue
		}

		if isZeroScalar(m["type"]) {
			skipped = append(skipped, SkippedItem{Level: level, Index: i, Reason: fmt.Sprintf("type %v is empty", m["type"])})
			continue
		}

		questions = append(questions, Question{Index: i, Type: fmt.Sprint(m["type"]), Payload: m})
	}
	return questions, skipped, nil
}

func isZeroScalar(v any) bool {
	switch x := v.(type) {
	case bool:
		return !x
	case int:
		return x == 0
	case int64:
		return x == 0
	case uint64:
		return x == 0
	case float64:
		return x == 0
	}
	return false
}
