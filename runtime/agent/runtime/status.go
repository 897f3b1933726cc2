package runtime

import "fmt"

// Status is the terminal status of a run.
type Status string

const (
	StatusSuccess               Status = "SUCCESS"
	StatusVerificationExhausted Status = "VERIFICATION_EXHAUSTED"
	StatusTimeout               Status = "TIMEOUT"
	StatusToolExecutionFailed   Status = "TOOL_EXECUTION_FAILED"
	StatusRateLimited           Status = "RATE_LIMITED"
)

// ExitCode maps the status to a process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusVerificationExhausted:
		return 2
	case StatusTimeout:
		return 3
	case StatusToolExecutionFailed:
		return 4
	case StatusRateLimited:
		return 5
	default:
		return 1
	}
}

// FailureMessage returns the user-facing text delivered when a run ends
// with status s. The text is fixed per status so users always get the same
// explanation and next steps for the same failure category.
func FailureMessage(s Status, attempts int) string {
	switch s {
	case StatusVerificationExhausted:
		return fmt.Sprintf("I couldn't put together an answer I could verify for this question (verification failed after %d attempts).\n"+
			"Next steps: rephrase the question with more specific details, or ask a teammate who owns this topic.", attempts)
	case StatusTimeout:
		return "I ran out of time while working on this request (timeout).\n" +
			"Next steps: try again in a moment, or narrow the question down."
	case StatusRateLimited:
		return "I'm receiving too many requests right now (rate limited).\n" +
			"Next steps: wait a minute and ask again."
	default:
		return "Something went wrong while looking up information for this request (tool execution failed).\n" +
			"Next steps: try again later. If it keeps happening, let the team that runs this assistant know."
	}
}
