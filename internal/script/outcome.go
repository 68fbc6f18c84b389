package script

import (
	"fmt"
	"strings"
)

// Outcome is the verdict derived from one script result.
type Outcome struct {
	Passed   bool
	Feedback string
}

// Classify applies the verdict rule: empty stdout or a case-insensitive
// "true" passes; any other stdout is feedback. The exit code is ignored.
func Classify(result Result) Outcome {
	if result.TimedOut {
		return Outcome{
			Passed:   false,
			Feedback: fmt.Sprintf("Validation script timed out after %s", result.Timeout),
		}
	}
	output := strings.TrimSpace(result.Stdout)
	if output == "" || strings.EqualFold(output, "true") {
		return Outcome{Passed: true}
	}
	return Outcome{Passed: false, Feedback: output}
}
