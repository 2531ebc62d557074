package workers

import "estate_ingest/models"

// LogFunc records a worker message in the ops log (scrape_logs).
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}
