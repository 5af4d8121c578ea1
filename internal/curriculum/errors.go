package curriculum

import "fmt"

// MissingFileError is returned when a subtopic lacks an expected payload file.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("missing file %s", e.Path)
}

// FormatError reports a payload that fails structural validation. Level is set
// when the failure is confined to one difficulty level of an otherwise valid file.
type FormatError struct {
	Path   string
	Level  Difficulty
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "format error"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if e.Level != "" {
		msg += " (" + string(e.Level) + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
