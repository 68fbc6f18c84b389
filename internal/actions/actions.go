// Package actions speaks the CI runner's workflow-command protocol: log
// masking, step outputs and the serialized run result.
package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ship-commander/wfrun/internal/runner"
)

const (
	// DefaultMaxResultBytes caps the serialized result output.
	DefaultMaxResultBytes = 900_000
	// OutputFileEnv names the step output file.
	OutputFileEnv = "GITHUB_OUTPUT"

	truncationMarker = "\n...[truncated]"
)

// Masker writes ::add-mask:: commands so the runner redacts values from logs.
type Masker struct {
	w io.Writer
}

// NewMasker returns a Masker writing to w, usually stdout.
func NewMasker(w io.Writer) *Masker {
	return &Masker{w: w}
}

// Mask registers one value for redaction.
func (m *Masker) Mask(value string) {
	if m == nil || m.w == nil || value == "" {
		return
	}
	_, _ = fmt.Fprintf(m.w, "::add-mask::%s\n", escapeData(value))
}

func escapeData(value string) string {
	value = strings.ReplaceAll(value, "%", "%25")
	value = strings.ReplaceAll(value, "\r", "%0D")
	return strings.ReplaceAll(value, "\n", "%0A")
}

// OutputWriter records step outputs.
type OutputWriter struct {
	getenv       func(string) string
	stdout       io.Writer
	newDelimiter func() string
}

// NewOutputWriter appends to the file named by GITHUB_OUTPUT, or prints
// name=value lines to stdout when the variable is unset.
func NewOutputWriter(getenv func(string) string, stdout io.Writer) *OutputWriter {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &OutputWriter{
		getenv: getenv,
		stdout: stdout,
		newDelimiter: func() string {
			return "ghadelimiter_" + uuid.NewString()
		},
	}
}

// SetOutputs writes every output in name order. Values use heredoc syntax
// with a random delimiter so multi-line content survives.
func (o *OutputWriter) SetOutputs(outputs map[string]string) error {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		if strings.TrimSpace(name) == "" {
			return errors.New("output name must not be empty")
		}
		names = append(names, name)
	}
	sort.Strings(names)

	path := strings.TrimSpace(o.getenv(OutputFileEnv))
	if path == "" {
		for _, name := range names {
			if _, err := fmt.Fprintf(o.stdout, "%s=%s\n", name, outputs[name]); err != nil {
				return fmt.Errorf("write output %s: %w", name, err)
			}
		}
		return nil
	}

	var buf bytes.Buffer
	for _, name := range names {
		value := outputs[name]
		delimiter := o.newDelimiter()
		if strings.Contains(name, delimiter) || strings.Contains(value, delimiter) {
			return fmt.Errorf("output %s collides with its delimiter", name)
		}
		fmt.Fprintf(&buf, "%s<<%s\n%s\n%s\n", name, delimiter, value, delimiter)
	}

	// #nosec G304 -- path is provided by the CI runner.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		_ = file.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

// EncodeResult serializes result as JSON no larger than maxBytes. Output is
// trimmed first; Error is trimmed only when an emptied Output still does not
// fit. Trimmed fields end with a truncation marker.
func EncodeResult(result runner.Result, maxBytes int) (string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResultBytes
	}
	encoded, err := marshal(result)
	if err != nil {
		return "", err
	}
	if len(encoded) <= maxBytes {
		return encoded, nil
	}

	if result.Output != "" {
		text, err := shrink(result, result.Output, setOutput, maxBytes)
		if err != nil || text != "" {
			return text, err
		}
		result.Output = truncationMarker
	}
	if result.Error != "" {
		text, err := shrink(result, result.Error, setError, maxBytes)
		if err != nil || text != "" {
			return text, err
		}
	}
	return "", fmt.Errorf("result does not fit in %d bytes", maxBytes)
}

func setOutput(result *runner.Result, value string) { result.Output = value }

func setError(result *runner.Result, value string) { result.Error = value }

// shrink finds the longest prefix of original that, stored through set with
// the marker appended, keeps result within maxBytes. It measures the encoded
// size because escaping can grow the text. Empty means nothing fits.
func shrink(result runner.Result, original string, set func(*runner.Result, string), maxBytes int) (string, error) {
	low, high := 0, len(original)
	best := ""
	for low <= high {
		mid := (low + high) / 2
		candidate := result
		set(&candidate, truncateUTF8(original, mid)+truncationMarker)
		text, err := marshal(candidate)
		if err != nil {
			return "", err
		}
		if len(text) <= maxBytes {
			best = text
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	return best, nil
}

func marshal(result runner.Result) (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(result); err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

func truncateUTF8(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit]
}
