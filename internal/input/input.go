// Package input turns raw invocation values into a validated Input. Every
// check runs before any filesystem or process work starts.
package input

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ship-commander/wfrun/internal/script"
	"github.com/tidwall/jsonc"
)

const (
	MaxWorkflowPathChars = 1024
	MaxPromptChars       = 100_000
	MaxEnvVarsBytes      = 64 * 1024
	MaxEnvVars           = 100

	DefaultTimeoutMinutes = 30
	MaxTimeoutMinutes     = 360
	DefaultMaxRetries     = 5
	MaxRetriesLimit       = 20

	reservedEnvPrefix = "GITHUB_"
)

var (
	// ErrInvalidInput marks every input validation failure.
	ErrInvalidInput = errors.New("invalid input")

	envKeyPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	reservedEnvNames = map[string]struct{}{
		"PATH":       {},
		"LD_PRELOAD": {},
	}
)

// ValidationError names the offending input and why it was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Field, e.Reason)
}

// Is enables errors.Is checks against ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Raw holds invocation values exactly as received.
type Raw struct {
	WorkflowPath         string
	Prompt               string
	EnvVars              string
	TimeoutMinutes       string
	ValidationScript     string
	ValidationScriptType string
	MaxRetries           string
}

// Input is the validated, immutable description of one run.
type Input struct {
	WorkflowPath         string
	Prompt               string
	EnvVars              map[string]string
	Timeout              time.Duration
	ValidationScript     string
	ValidationScriptType string
	MaxRetries           int
}

// Env returns a copy of the caller-supplied environment map.
func (in Input) Env() map[string]string {
	return maps.Clone(in.EnvVars)
}

// FromEnv reads action-style INPUT_<NAME> variables.
func FromEnv(getenv func(string) string) Raw {
	value := func(name string) string {
		return getenv("INPUT_" + strings.ToUpper(name))
	}
	return Raw{
		WorkflowPath:         value("workflow_path"),
		Prompt:               value("prompt"),
		EnvVars:              value("env_vars"),
		TimeoutMinutes:       value("timeout_minutes"),
		ValidationScript:     value("validation_script"),
		ValidationScriptType: value("validation_script_type"),
		MaxRetries:           value("validation_max_retries"),
	}
}

// Parse validates raw and returns the Input it describes.
func Parse(raw Raw) (Input, error) {
	in := Input{
		Prompt:               raw.Prompt,
		ValidationScript:     strings.TrimSpace(raw.ValidationScript),
		ValidationScriptType: strings.TrimSpace(raw.ValidationScriptType),
	}

	in.WorkflowPath = strings.TrimSpace(raw.WorkflowPath)
	if in.WorkflowPath == "" {
		return Input{}, &ValidationError{Field: "workflow_path", Reason: "is required"}
	}
	if utf8.RuneCountInString(in.WorkflowPath) > MaxWorkflowPathChars {
		return Input{}, &ValidationError{
			Field:  "workflow_path",
			Reason: fmt.Sprintf("must be at most %d characters", MaxWorkflowPathChars),
		}
	}

	if utf8.RuneCountInString(in.Prompt) > MaxPromptChars {
		return Input{}, &ValidationError{
			Field:  "prompt",
			Reason: fmt.Sprintf("must be at most %d characters", MaxPromptChars),
		}
	}

	envVars, err := ParseEnvVars(raw.EnvVars)
	if err != nil {
		return Input{}, err
	}
	in.EnvVars = envVars

	minutes, err := parseBoundedInt("timeout_minutes", raw.TimeoutMinutes, DefaultTimeoutMinutes, 1, MaxTimeoutMinutes)
	if err != nil {
		return Input{}, err
	}
	in.Timeout = time.Duration(minutes) * time.Minute

	in.MaxRetries, err = parseBoundedInt("validation_max_retries", raw.MaxRetries, DefaultMaxRetries, 1, MaxRetriesLimit)
	if err != nil {
		return Input{}, err
	}

	if in.ValidationScriptType != "" {
		if _, ok := script.ParseType(in.ValidationScriptType); !ok {
			return Input{}, &ValidationError{
				Field:  "validation_script_type",
				Reason: fmt.Sprintf("unsupported type %q (use python or javascript)", in.ValidationScriptType),
			}
		}
	}

	return in, nil
}

// ParseEnvVars decodes a JSON object of string values. Comments and trailing
// commas are tolerated. An empty document yields an empty map.
func ParseEnvVars(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if len(raw) > MaxEnvVarsBytes {
		return nil, &ValidationError{
			Field:  "env_vars",
			Reason: fmt.Sprintf("must be at most %d bytes", MaxEnvVarsBytes),
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON([]byte(raw))))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return nil, &ValidationError{Field: "env_vars", Reason: "must be a JSON object: " + err.Error()}
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Field: "env_vars", Reason: "must contain a single JSON object"}
	}
	object, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: "env_vars", Reason: "must be a JSON object"}
	}
	if len(object) > MaxEnvVars {
		return nil, &ValidationError{
			Field:  "env_vars",
			Reason: fmt.Sprintf("must have at most %d keys", MaxEnvVars),
		}
	}

	for key, value := range object {
		if !envKeyPattern.MatchString(key) {
			return nil, &ValidationError{Field: "env_vars", Reason: fmt.Sprintf("invalid variable name %q", key)}
		}
		if isReservedEnvName(key) {
			return nil, &ValidationError{Field: "env_vars", Reason: fmt.Sprintf("variable name %q is reserved", key)}
		}
		text, ok := value.(string)
		if !ok {
			return nil, &ValidationError{Field: "env_vars", Reason: fmt.Sprintf("value of %q must be a string", key)}
		}
		if strings.ContainsRune(text, 0) {
			return nil, &ValidationError{Field: "env_vars", Reason: fmt.Sprintf("value of %q contains a NUL byte", key)}
		}
		out[key] = text
	}
	return out, nil
}

func isReservedEnvName(key string) bool {
	upper := strings.ToUpper(key)
	if _, reserved := reservedEnvNames[upper]; reserved {
		return true
	}
	return strings.HasPrefix(upper, reservedEnvPrefix)
}

func parseBoundedInt(field, raw string, fallback, lower, upper int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("must be an integer, got %q", raw)}
	}
	if value < lower || value > upper {
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("must be between %d and %d, got %d", lower, upper, value)}
	}
	return value, nil
}
