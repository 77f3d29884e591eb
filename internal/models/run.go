package models

import "time"

// Pipeline step names recorded in the run log.
const (
	StepIngest = "ingest"
	StepEnrich = "enrich"
	StepNotify = "notify"
)

// RunSummary reports what one pipeline step did. Counts are filled in even
// when the step hit partial failures.
type RunSummary struct {
	ID               string
	Step             string
	DryRun           bool
	StartedAt        time.Time
	FinishedAt       time.Time
	Fetched          int
	NewRecords       int
	Enriched         int
	LookupFailures   int
	Qualified        int
	Disqualified     int
	Notified         int
	DispatchFailures int
	// Err is the error that failed the step, empty on success.
	Err string
}
