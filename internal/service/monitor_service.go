package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// MonitorService aggregates live session statuses for the exam monitor.
type MonitorService struct {
	registry *SessionRegistry
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(registry *SessionRegistry) *MonitorService {
	return &MonitorService{registry: registry}
}

// MonitorStats summarizes every session seen for an exam.
type MonitorStats struct {
	TotalJoined      int `json:"total_joined"`
	TotalActive      int `json:"total_active"`
	TotalSubmitted   int `json:"total_submitted"`
	TotalOffline     int `json:"total_offline"`
	TotalTabSwitches int `json:"total_tab_switches"`
	// OutOfFullscreen counts active sessions not currently in fullscreen.
	OutOfFullscreen int `json:"out_of_fullscreen"`
}

// MonitorSnapshot is the payload of the monitor's snapshot and refresh events.
type MonitorSnapshot struct {
	Stats    MonitorStats    `json:"stats"`
	Sessions []SessionStatus `json:"sessions"`
}

// GetSnapshot returns the current statuses with their summary.
func (s *MonitorService) GetSnapshot(ctx context.Context, examID uuid.UUID) (*MonitorSnapshot, error) {
	statuses, err := s.registry.Statuses(ctx, examID)
	if err != nil {
		return nil, err
	}
	return &MonitorSnapshot{Stats: summarize(statuses), Sessions: statuses}, nil
}

func summarize(statuses []SessionStatus) MonitorStats {
	stats := MonitorStats{TotalJoined: len(statuses)}
	for _, st := range statuses {
		stats.TotalTabSwitches += st.TabSwitches
		switch st.State {
		case session.StateSubmitted.String():
			stats.TotalSubmitted++
			continue
		case session.StateActive.String(), session.StateSubmitting.String():
			stats.TotalActive++
			if !st.FullscreenActive {
				stats.OutOfFullscreen++
			}
		}
		if !st.Online {
			stats.TotalOffline++
		}
	}
	return stats
}
