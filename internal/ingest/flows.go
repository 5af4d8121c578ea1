package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/p-n-ai/pai-ingest/internal/curriculum"
	"github.com/p-n-ai/pai-ingest/internal/fingerprint"
	"github.com/p-n-ai/pai-ingest/internal/store"
)

// Flow turns one payload file of a subtopic into rows of a single table.
type Flow interface {
	Name() string
	Table() store.Table
	// Build reads the flow's file for sub and assembles its rows. A missing
	// file is a *curriculum.MissingFileError; a file that cannot be used at
	// all is a *curriculum.FormatError. Failures confined to one level are
	// reported in the returned Batch.
	Build(sub curriculum.Subtopic, subtopicID int64) (*Batch, error)
}

// Batch is the result of building one subtopic's rows.
type Batch struct {
	Path        string
	Rows        []store.Row
	LevelErrors []*curriculum.FormatError
	Skipped     []curriculum.SkippedItem
}

// FlowByName returns the flow registered under name.
func FlowByName(name string) (Flow, error) {
	switch name {
	case ContentFlow.Name():
		return ContentFlow, nil
	case QuestionFlow.Name():
		return QuestionFlow, nil
	}
	return nil, fmt.Errorf("unknown flow %q", name)
}

// Flows.
var (
	ContentFlow  Flow = contentFlow{}
	QuestionFlow Flow = questionFlow{}
)

type contentFlow struct{}

func (contentFlow) Name() string       { return "content" }
func (contentFlow) Table() store.Table { return store.ContentTable }

func (contentFlow) Build(sub curriculum.Subtopic, subtopicID int64) (*Batch, error) {
	path := filepath.Join(sub.Dir, curriculum.ContentFile)
	levels, err := curriculum.LoadLevels(path, curriculum.LayoutAny)
	if err != nil {
		return nil, err
	}

	b := &Batch{Path: path, LevelErrors: levels.Errors}
	for _, d := range levels.Present() {
		difficulty, ok := ContentDifficulty(d)
		if !ok {
			continue
		}
		block := levels.Blocks[d]
		hash, raw, err := encodeBlock(block)
		if err != nil {
			b.LevelErrors = append(b.LevelErrors, &curriculum.FormatError{Path: path, Level: d, Reason: "encoding block", Err: err})
			continue
		}
		decoded := curriculum.DecodeContent(block)
		b.Rows = append(b.Rows, store.ContentRecord{
			SubtopicID:  subtopicID,
			Difficulty:  difficulty,
			Title:       decoded.Title,
			Summary:     decoded.Summary,
			ContentJSON: raw,
			ContentHash: hash,
			IsPublished: true,
		}.Row())
	}
	return b, nil
}

type questionFlow struct{}

func (questionFlow) Name() string       { return "questions" }
func (questionFlow) Table() store.Table { return store.QuestionTable }

func (questionFlow) Build(sub curriculum.Subtopic, subtopicID int64) (*Batch, error) {
	path := filepath.Join(sub.Dir, curriculum.QuestionsFile)
	levels, err := curriculum.LoadLevels(path, curriculum.LayoutWrapped)
	if err != nil {
		return nil, err
	}

	b := &Batch{Path: path, LevelErrors: levels.Errors}
	for _, d := range levels.Present() {
		difficulty, ok := QuestionDifficulty(d)
		if !ok {
			continue
		}
		questions, skipped, err := curriculum.ExtractQuestions(d, levels.Blocks[d])
		if err != nil {
			var fe *curriculum.FormatError
			if !errors.As(err, &fe) {
				fe = &curriculum.FormatError{Level: d, Reason: "reading questions", Err: err}
			}
			fe.Path = path
			b.LevelErrors = append(b.LevelErrors, fe)
			continue
		}
		b.Skipped = append(b.Skipped, skipped...)

		for _, q := range questions {
			hash, raw, err := encodeBlock(q.Payload)
			if err != nil {
				b.Skipped = append(b.Skipped, curriculum.SkippedItem{Level: d, Index: q.Index, Reason: err.Error()})
				continue
			}
			b.Rows = append(b.Rows, store.QuestionRecord{
				SubtopicID:   subtopicID,
				Difficulty:   difficulty,
				QuestionType: q.Type,
				ContentJSON:  raw,
				QuestionHash: hash,
				IsPublished:  true,
			}.Row())
		}
	}
	return b, nil
}

// encodeBlock returns the fingerprint of v and its JSON document.
func encodeBlock(v map[string]any) (string, []byte, error) {
	hash, err := fingerprint.Of(v)
	if err != nil {
		return "", nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("marshal block: %w", err)
	}
	return hash, raw, nil
}
