// Package controlerror implements the §7 error taxonomy as a closed tagged
// variant, rather than ad-hoc string matching over generic errors.
package controlerror

import (
	"fmt"
	"time"

	"github.com/cagojeiger/codehub-controlplane/pkg/types"
)

// Classified is an error classified into the §7 taxonomy, carrying enough
// context for the OperationController to decide retry vs. terminal.
type Classified struct {
	Reason  types.ErrorReason
	Message string
	Err     error
}

func (c *Classified) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("%s: %s: %v", c.Reason, c.Message, c.Err)
	}
	return fmt.Sprintf("%s: %s", c.Reason, c.Message)
}

func (c *Classified) Unwrap() error { return c.Err }

// policy describes how a reason is handled: whether the OC retries
// transparently before surfacing it, and whether it is terminal on the first
// occurrence.
type policy struct {
	autoRetry  bool
	terminalOn string // "exhaustion" | "immediate" | "always"
}

var policies = map[types.ErrorReason]policy{
	types.ReasonMismatch:      {autoRetry: true, terminalOn: "exhaustion"},
	types.ReasonUnreachable:   {autoRetry: true, terminalOn: "exhaustion"},
	types.ReasonActionFailed:  {autoRetry: true, terminalOn: "exhaustion"},
	types.ReasonTimeout:       {autoRetry: false, terminalOn: "immediate"},
	types.ReasonRetryExceeded: {autoRetry: false, terminalOn: "always"},
	types.ReasonDataLost:      {autoRetry: false, terminalOn: "immediate"},
}

// Retryable reports whether this reason permits the controller's transparent
// retry loop (§7 "Auto-retry" column).
func (c *Classified) Retryable() bool {
	return policies[c.Reason].autoRetry
}

// TerminalImmediately reports whether this reason is terminal on first
// occurrence, regardless of retry count (Timeout, RetryExceeded, DataLost).
func (c *Classified) TerminalImmediately() bool {
	p := policies[c.Reason]
	return p.terminalOn == "immediate" || p.terminalOn == "always"
}

// New wraps err with a classification.
func New(reason types.ErrorReason, message string, err error) *Classified {
	return &Classified{Reason: reason, Message: message, Err: err}
}

// ToInfo builds the persisted ErrorInfo for a terminal determination. retryCount
// is the number of attempts already made (§7 propagation policy).
func (c *Classified) ToInfo(op types.Operation, retryCount int, occurredAt time.Time) *types.ErrorInfo {
	return &types.ErrorInfo{
		Reason:     c.Reason,
		Message:    c.Message,
		IsTerminal: true,
		Operation:  op,
		RetryCount: retryCount,
		OccurredAt: occurredAt,
	}
}

// JobReasonTable maps the Archive/Restore Job's CODEHUB_ERROR tag (§4.1.1,
// §7's sample table) to a taxonomy reason and whether the job layer itself
// should retry (distinct from the controller's own retry budget — §9 Open
// Questions preserves both layers' retry counts).
var JobReasonTable = map[string]struct {
	Reason      types.ErrorReason
	JobRetry    bool
}{
	"S3_ACCESS_ERROR":     {Reason: types.ReasonUnreachable, JobRetry: true},
	"ARCHIVE_NOT_FOUND":   {Reason: types.ReasonDataLost, JobRetry: false},
	"META_NOT_FOUND":      {Reason: types.ReasonDataLost, JobRetry: false},
	"CHECKSUM_MISMATCH":   {Reason: types.ReasonDataLost, JobRetry: false},
	"TAR_EXTRACT_FAILED":  {Reason: types.ReasonActionFailed, JobRetry: true},
	"DISK_FULL":           {Reason: types.ReasonActionFailed, JobRetry: false},
}

// ClassifyJobError turns a job's CODEHUB_ERROR tag into a Classified error.
// Unknown tags classify as ActionFailed so an unexpected failure mode still
// gets retried a bounded number of times rather than wedging forever.
func ClassifyJobError(codehubError, rawMessage string) *Classified {
	if entry, ok := JobReasonTable[codehubError]; ok {
		return New(entry.Reason, rawMessage, nil)
	}
	return New(types.ReasonActionFailed, "unclassified job error "+codehubError+": "+rawMessage, nil)
}
