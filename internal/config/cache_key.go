package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// AttemptLockKey returns the key holding the connection id that owns a
// student's attempt for an exam. Only one live connection may drive an attempt.
func (r *CacheKeyStruct) AttemptLockKey(examID string, studentID int) string {
	return fmt.Sprintf("proctor:student:%d:exam:%s:lock", studentID, examID)
}

// ExamLiveSessionsKey returns the set of student ids with a session status
// for an exam.
func (r *CacheKeyStruct) ExamLiveSessionsKey(examID string) string {
	return fmt.Sprintf("proctor:exam:%s:sessions", examID)
}

// SessionStatusKey returns the key mirroring a live session's status for
// monitoring dashboards.
func (r *CacheKeyStruct) SessionStatusKey(examID string, studentID int) string {
	return fmt.Sprintf("proctor:student:%d:exam:%s:status", studentID, examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

// SubmissionSavedAtKey returns the key holding the newest progress SavedAt
// (unix millis) sent to the backend for a submission.
func (r *CacheKeyStruct) SubmissionSavedAtKey(submissionID string) string {
	return fmt.Sprintf("proctor:submission:%s:saved_at", submissionID)
}

var CacheKey = NewCacheKeyStruct()
