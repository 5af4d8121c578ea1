// Package curriculum reads the generated content corpus laid out as
// root/<topic>/<subtopic>/{chunks,questions}_by_level.yaml.
package curriculum

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Corpus enumerates topics and subtopics below a root directory.
type Corpus struct {
	rootDir string
	logger  *slog.Logger
}

// NewCorpus creates a corpus reader rooted at rootDir.
func NewCorpus(rootDir string, logger *slog.Logger) *Corpus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Corpus{rootDir: rootDir, logger: logger}
}

// Root returns the corpus root directory.
func (c *Corpus) Root() string {
	return c.rootDir
}

// Topics lists every topic with its subtopics. Directories are visited in
// lexical order, so repeated calls over an unchanged tree agree.
func (c *Corpus) Topics() ([]Topic, error) {
	topicDirs, err := listDirs(c.rootDir)
	if err != nil {
		return nil, fmt.Errorf("listing topics in %s: %w", c.rootDir, err)
	}

	topics := make([]Topic, 0, len(topicDirs))
	for _, td := range topicDirs {
		topic := Topic{
			Name: normalizeName(td),
			Dir:  filepath.Join(c.rootDir, td),
		}

		subDirs, err := listDirs(topic.Dir)
		if err != nil {
			return nil, fmt.Errorf("listing subtopics in %s: %w", topic.Dir, err)
		}
		for _, sd := range subDirs {
			topic.Subtopics = append(topic.Subtopics, Subtopic{
				Topic: topic.Name,
				Name:  normalizeName(sd),
				Dir:   filepath.Join(topic.Dir, sd),
			})
		}
		topics = append(topics, topic)
	}

	c.logger.Debug("corpus enumerated", "root", c.rootDir, "topics", len(topics))
	return topics, nil
}

// LoadFile reads and parses one payload file. The top level must be a mapping.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &MissingFileError{Path: path}
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &FormatError{Path: path, Reason: "invalid YAML", Err: err}
	}

	doc, ok := normalizeValue(raw).(map[string]any)
	if !ok {
		return nil, &FormatError{Path: path, Reason: "top level is not a mapping"}
	}
	return doc, nil
}

// LoadLevels reads a payload file and unifies it into per-difficulty blocks.
// Level-scoped failures are reported in Levels.Errors; whole-file failures are
// returned as the error.
func LoadLevels(path string, layout Layout) (*Levels, error) {
	raw, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	levels, err := Unify(raw, layout)
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Path = path
		}
		return nil, err
	}
	for _, fe := range levels.Errors {
		fe.Path = path
	}
	return levels, nil
}

func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// normalizeName folds directory names to NFC so the same topic checked out on
// an NFD file system resolves to the same natural key.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// normalizeValue converts yaml.v3 map[any]any nodes into map[string]any so the
// rest of the pipeline sees one mapping type.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeValue(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[keyString(k)] = normalizeValue(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = normalizeValue(e)
		}
		return x
	}
	return v
}

func keyString(k any) string {
	switch x := k.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return fmt.Sprint(k)
}
