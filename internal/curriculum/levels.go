package curriculum

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Layout selects which file shapes Unify accepts.
type Layout int

const (
	// LayoutAny accepts levels either at the top level or under the wrapper key.
	LayoutAny Layout = iota
	// LayoutFlat requires levels at the top level.
	LayoutFlat
	// LayoutWrapped requires levels nested under the wrapper key.
	LayoutWrapped
)

// Levels maps each recognized difficulty present in a file to its decoded block.
type Levels struct {
	Blocks map[Difficulty]map[string]any
	// Errors holds failures confined to a single level; those levels are
	// absent from Blocks.
	Errors []*FormatError
}

// Present returns the difficulties with a usable block, in ascending order.
func (l *Levels) Present() []Difficulty {
	var out []Difficulty
	for _, d := range Difficulties {
		if _, ok := l.Blocks[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Unify produces a difficulty -> block mapping from a parsed payload file.
// Blocks may be mappings or strings holding serialized YAML; strings are
// sanitized and parsed once more. A block that cannot be decoded is reported in
// Levels.Errors without affecting the other levels.
func Unify(raw map[string]any, layout Layout) (*Levels, error) {
	var container map[string]any

	wrapped, hasWrapper := raw[WrapperKey]
	switch {
	case hasWrapper && layout != LayoutFlat:
		m, ok := wrapped.(map[string]any)
		if !ok {
			return nil, &FormatError{Reason: fmt.Sprintf("%q is not a mapping", WrapperKey)}
		}
		container = m
	case layout == LayoutWrapped:
		return nil, &FormatError{Reason: fmt.Sprintf("missing %q wrapper key", WrapperKey)}
	case hasAnyLevel(raw):
		container = raw
	default:
		return nil, &FormatError{Reason: "no difficulty levels found"}
	}

	if !hasAnyLevel(container) {
		return nil, &FormatError{Reason: "no difficulty levels found"}
	}

	levels := &Levels{Blocks: make(map[Difficulty]map[string]any)}
	for _, d := range Difficulties {
		v, ok := container[string(d)]
		if !ok {
			continue
		}
		block, err := decodeBlock(v)
		if err != nil {
			levels.Errors = append(levels.Errors, &FormatError{
				Level:  d,
				Reason: "invalid level block",
				Err:    err,
			})
			continue
		}
		levels.Blocks[d] = block
	}
	return levels, nil
}

func hasAnyLevel(m map[string]any) bool {
	for _, d := range Difficulties {
		if _, ok := m[string(d)]; ok {
			return true
		}
	}
	return false
}

func decodeBlock(v any) (map[string]any, error) {
	switch x := v.(type) {
	case map[string]any:
		return x, nil
	case string:
		var parsed any
		if err := yaml.Unmarshal([]byte(SanitizeBlock(x)), &parsed); err != nil {
			return nil, fmt.Errorf("parsing nested YAML: %w", err)
		}
		m, ok := normalizeValue(parsed).(map[string]any)
		if !ok {
			return nil, fmt.Errorf("nested YAML is not a mapping")
		}
		return m, nil
	case nil:
		return nil, fmt.Errorf("block is empty")
	}
	return nil, fmt.Errorf("block has unsupported type %T", v)
}

var (
	codeFence   = regexp.MustCompile("(?m)^[ \t]*```(?:yaml)?[ \t]*$")
	scalarEntry = regexp.MustCompile(`^(\s*[^:#\n]+:\s*)(.+)$`)
)

// SanitizeBlock repairs generator output before it is parsed as YAML: Markdown
// code fences are removed and unquoted scalar values containing ':' are
// double-quoted.
func SanitizeBlock(text string) string {
	text = strings.TrimSpace(codeFence.ReplaceAllString(text, ""))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := scalarEntry.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key, value := m[1], strings.TrimSpace(m[2])
		if strings.HasPrefix(value, `"`) || strings.HasPrefix(value, "'") {
			continue
		}
		if strings.Contains(value, ":") {
			escaped := strings.ReplaceAll(value, `\`, `\\`)
			escaped = strings.ReplaceAll(escaped, `"`, `\"`)
			lines[i] = key + `"` + escaped + `"`
		}
	}
	return strings.Join(lines, "\n")
}

// DecodeContent extracts the recognized fields of a content block. Missing
// fields are left empty; scalar values of other types are stringified.
func DecodeContent(block map[string]any) ContentBlock {
	cb := ContentBlock{
		Title:     scalarString(block["title"]),
		Summary:   scalarString(block["summary"]),
		KeyPoints: stringList(block["key_points"]),
		Examples:  stringList(block["examples"]),
	}
	if defs, ok := block["definitions"].([]any); ok {
		for _, d := range defs {
			m, ok := d.(map[string]any)
			if !ok {
				continue
			}
			cb.Definitions = append(cb.Definitions, Definition{
				Term:       scalarString(m["term"]),
				Definition: scalarString(m["definition"]),
			})
		}
	}
	return cb
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case map[string]any, []any:
		return ""
	}
	return fmt.Sprint(v)
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := scalarString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
