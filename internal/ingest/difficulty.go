package ingest

import "github.com/p-n-ai/pai-ingest/internal/curriculum"

// Stored difficulty vocabularies. The two record kinds name the top level
// differently and must keep doing so.
var (
	contentLevels = map[curriculum.Difficulty]string{
		curriculum.Beginner:     "basic",
		curriculum.Intermediate: "core",
		curriculum.Advanced:     "advanced",
	}
	questionLevels = map[curriculum.Difficulty]string{
		curriculum.Beginner:     "basic",
		curriculum.Intermediate: "core",
		curriculum.Advanced:     "mastery",
	}
)

// ContentDifficulty returns the stored difficulty of a content row.
func ContentDifficulty(d curriculum.Difficulty) (string, bool) {
	v, ok := contentLevels[d]
	return v, ok
}

// QuestionDifficulty returns the stored difficulty of a question row.
func QuestionDifficulty(d curriculum.Difficulty) (string, bool) {
	v, ok := questionLevels[d]
	return v, ok
}
