package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrMalformedInput reports an input file whose shape does not match the
// expected record collection. Fatal: surfaced before any compute starts.
var ErrMalformedInput = errors.New("malformed input file")

// Example is a single training/eval record. Immutable once constructed.
type Example struct {
	ID         int
	SourceCode string
	ReviewCode string
	Target     string
}

type rawRecord struct {
	Idx        *int    `json:"idx"`
	SourceCode *string `json:"source_code"`
	ReviewCode *string `json:"review_code"`
	Comments   *string `json:"comments"`
}

type rawFile struct {
	Data *[]rawRecord `json:"data"`
}

// LoadExamples reads paired records from a JSON file with a top-level
// "data" collection. Records without an explicit idx get their 0-based
// position. Source text is normalized: " <newline>" markers dropped,
// surrounding whitespace trimmed.
func LoadExamples(path string) ([]Example, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read examples %s: %w", path, err)
	}

	var file rawFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedInput, path, err)
	}
	if file.Data == nil {
		return nil, fmt.Errorf("%w: %s: missing top-level \"data\" collection", ErrMalformedInput, path)
	}

	examples := make([]Example, 0, len(*file.Data))
	for i, rec := range *file.Data {
		if rec.SourceCode == nil || rec.ReviewCode == nil || rec.Comments == nil {
			return nil, fmt.Errorf("%w: %s: record %d lacks required fields", ErrMalformedInput, path, i)
		}
		id := i
		if rec.Idx != nil {
			id = *rec.Idx
		}
		examples = append(examples, Example{
			ID:         id,
			SourceCode: strings.TrimSpace(strings.ReplaceAll(*rec.SourceCode, " <newline>", "")),
			ReviewCode: strings.TrimSpace(*rec.ReviewCode),
			Target:     strings.TrimSpace(*rec.Comments),
		})
	}
	return examples, nil
}
