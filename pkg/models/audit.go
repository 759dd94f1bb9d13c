package models

import "time"

// AuditEntry records one remote attempt made by the dispatcher.
type AuditEntry struct {
	AttemptID   string    `json:"attempt_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Model       string    `json:"model"`
	Provider    string    `json:"provider,omitempty"`
	Attempt     int       `json:"attempt"`
	Outcome     string    `json:"outcome"`
	StatusCode  int       `json:"status_code"`
	Message     string    `json:"message,omitempty"`
	LatencyMs   int64     `json:"latency_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days" validate:"gte=0"`
	ExcludeModels []string `yaml:"exclude_models"`
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Model       string
	Outcome     string
	Fingerprint string
	BatchID     string
	Since       time.Time
	Limit       int
}

// AuditStat holds aggregate attempt counts for a model, outcome and day.
type AuditStat struct {
	Model   string
	Outcome string
	Day     string
	Count   int
}
