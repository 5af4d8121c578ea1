package curriculum

// Difficulty is a source difficulty level as written by the content generator.
type Difficulty string

const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
)

// Difficulties lists the recognized levels in ascending order.
var Difficulties = []Difficulty{Beginner, Intermediate, Advanced}

// File names expected in each subtopic directory.
const (
	ContentFile   = "chunks_by_level.yaml"
	QuestionsFile = "questions_by_level.yaml"
)

// WrapperKey nests difficulty levels one level down in wrapped files.
const WrapperKey = "by_level"

// Topic is a top-level directory of the corpus.
type Topic struct {
	Name      string
	Dir       string
	Subtopics []Subtopic
}

// Subtopic is a directory below a topic holding per-difficulty payload files.
type Subtopic struct {
	Topic string
	Name  string
	Dir   string
}

// Key identifies the subtopic within the corpus.
func (s Subtopic) Key() string {
	return s.Topic + "/" + s.Name
}

// ContentBlock is the recognized part of one difficulty level of a content file.
// Unrecognized fields stay in the raw block only.
type ContentBlock struct {
	Title       string
	Summary     string
	KeyPoints   []string
	Examples    []string
	Definitions []Definition
}

// Definition is a glossary entry inside a content block.
type Definition struct {
	Term       string
	Definition string
}

// Question is one item of a question level. Payload is the full decoded item,
// including the type discriminant; per-type fields are not validated.
type Question struct {
	// Index is the position of the item in the level's question list.
	Index   int
	Type    string
	Payload map[string]any
}

// SkippedItem describes a question item dropped during extraction.
type SkippedItem struct {
	Level  Difficulty
	Index  int
	Reason string
}
