// Package extract turns the raw stdout of an inference run into a result.
//
// The inference binary interleaves its own log lines with the model's answer,
// so structured extraction takes the text between the first '{' and the last
// '}' and parses it as a single JSON object. This assumes the payload is the
// outermost JSON object and that no '}' from trailing log output follows it.
// Output that breaks that assumption fails with NoParsableOutput rather than
// being repaired.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
)

// Mode selects how stdout is interpreted.
type Mode string

const (
	ModeText       Mode = "text"
	ModeStructured Mode = "structured"
)

// DescriptionKey is the JSON key holding a text result.
const DescriptionKey = "description"

// Result is either a structured mapping (ModeStructured) or a free-text
// description (ModeText).
type Result struct {
	Mode        Mode
	Fields      map[string]any
	Description string
}

// Structured wraps a decoded JSON object.
func Structured(fields map[string]any) Result {
	return Result{Mode: ModeStructured, Fields: fields}
}

// Text wraps a description.
func Text(description string) Result {
	return Result{Mode: ModeText, Description: description}
}

// MarshalJSON renders a structured result as its object and a text result as
// {"description": "..."}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Mode == ModeStructured {
		if r.Fields == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(r.Fields)
	}
	return json.Marshal(map[string]string{DescriptionKey: r.Description})
}

// Decode rebuilds a Result persisted with MarshalJSON.
func Decode(mode Mode, raw []byte) (Result, error) {
	switch mode {
	case ModeStructured:
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Result{}, fmt.Errorf("decode structured result: %w", err)
		}
		return Structured(fields), nil
	case ModeText:
		var m map[string]string
		if err := json.Unmarshal(raw, &m); err != nil {
			return Result{}, fmt.Errorf("decode text result: %w", err)
		}
		return Text(m[DescriptionKey]), nil
	default:
		return Result{}, fmt.Errorf("unknown result mode %q", mode)
	}
}

// Extract interprets stdout according to mode.
func Extract(stdout string, mode Mode) (Result, error) {
	switch mode {
	case ModeStructured:
		return extractStructured(stdout)
	case ModeText:
		return extractText(stdout)
	default:
		return Result{}, apperrors.Newf(apperrors.KindUnexpectedFault, "unknown extraction mode %q", mode)
	}
}

func extractText(stdout string) (Result, error) {
	text := strings.TrimSpace(stdout)
	if text == "" {
		return Result{}, apperrors.New(apperrors.KindNoParsableOutput, "inference produced no output")
	}
	return Text(text), nil
}

func extractStructured(stdout string) (Result, error) {
	start := strings.Index(stdout, "{")
	end := strings.LastIndex(stdout, "}")
	if start < 0 || end < 0 || end < start {
		return Result{}, apperrors.New(apperrors.KindNoParsableOutput, "no JSON object found in output")
	}

	payload := stdout[start : end+1]
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return Result{}, apperrors.Wrap(apperrors.KindNoParsableOutput, err, "output is not a valid JSON object").
			WithDetails(fmt.Sprintf("candidate payload (bytes %d-%d):\n%s", start, end, payload))
	}
	return Structured(fields), nil
}
