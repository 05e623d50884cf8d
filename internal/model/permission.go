package model

// Permission represents a string code carried in admin tokens.
type Permission string

const (
	// PermissionExamsPreview allows opening an exam session without an attempt.
	PermissionExamsPreview Permission = "exams:read"

	// PermissionExamsMonitor allows watching live sessions of an exam.
	PermissionExamsMonitor Permission = "exams:write"
)
