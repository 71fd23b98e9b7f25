// Package archivejob defines the Archive/Restore Job ABI (§4.1.1, §6): the
// ephemeral worker contract the control plane launches and probes, and the
// worker program's own tar+zstd+checksum logic (cmd/codehub-archiver).
package archivejob

import (
	"fmt"
	"strings"
	"time"
)

// Env variable names making up the job ABI. The job does not construct paths
// itself — ArchiveURL arrives fully resolved.
const (
	EnvArchiveURL   = "ARCHIVE_URL"
	EnvS3Endpoint   = "S3_ENDPOINT"
	EnvS3AccessKey  = "S3_ACCESS_KEY"
	EnvS3SecretKey  = "S3_SECRET_KEY"
	EnvS3UseTLS     = "S3_USE_TLS"
	EnvMode         = "CODEHUB_JOB_MODE" // "archive" | "restore"
	EnvDataDir      = "CODEHUB_DATA_DIR"
	EnvScratchDir   = "CODEHUB_SCRATCH_DIR"
)

// Mode selects archive vs. restore.
type Mode string

const (
	ModeArchive Mode = "archive"
	ModeRestore Mode = "restore"
)

// DefaultTimeout is the job's own deadline (§4.1.1), independent of and
// shorter than the controller's ARCHIVING/RESTORING operation timeouts.
const DefaultTimeout = 30 * time.Minute

// DefaultMaxInternalRetries bounds the job's own retries of its S3 upload
// and download calls (see withRetry in job.go), stacked under and invisible
// to the OperationController's 3-attempt budget (§9 Open Questions).
const DefaultMaxInternalRetries = 3

// LogLine is one structured `KEY=VALUE` job log line (§4.1.1).
type LogLine struct {
	Step         string
	Result       string
	CodehubError string
	Raw          map[string]string
}

// ParseLogLine parses a single structured job log line. Unrecognized keys are
// preserved in Raw so callers can surface extra context without the parser
// needing to know every field a job might emit.
func ParseLogLine(line string) LogLine {
	ll := LogLine{Raw: map[string]string{}}
	for _, field := range strings.Fields(line) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		ll.Raw[k] = v
		switch k {
		case "STEP":
			ll.Step = v
		case "RESULT":
			ll.Result = v
		case "CODEHUB_ERROR":
			ll.CodehubError = v
		}
	}
	return ll
}

// ParseJobOutput scans every line of a job's stdout/stderr and returns the
// first line carrying CODEHUB_ERROR, if any — the job's failure classification
// is authoritative for the Actuator layer (§4.1.1: "the CODEHUB_ERROR tag
// classifies the failure").
func ParseJobOutput(output string) (LogLine, bool) {
	for _, line := range strings.Split(output, "\n") {
		ll := ParseLogLine(line)
		if ll.CodehubError != "" {
			return ll, true
		}
	}
	return LogLine{}, false
}

// FormatLogLine renders a structured log line the job program emits.
func FormatLogLine(fields map[string]string) string {
	var b strings.Builder
	first := true
	for _, k := range []string{"STEP", "RESULT", "CODEHUB_ERROR"} {
		if v, ok := fields[k]; ok {
			if !first {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%s", k, v)
			first = false
		}
	}
	for k, v := range fields {
		if k == "STEP" || k == "RESULT" || k == "CODEHUB_ERROR" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", k, v)
		first = false
	}
	return b.String()
}
