package sinks

import (
	"time"

	"github.com/JakeFAU/progress-coordinator/internal/progress"
)

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func finishedSnapshot(runID string, statuses ...progress.Status) progress.Snapshot {
	stages := make([]progress.StageState, 0, len(statuses))
	for i, st := range statuses {
		stage := progress.StageState{
			ID:      []string{"scrape", "technical", "osint"}[i%3],
			Status:  st,
			Percent: 100,
		}
		if st == progress.StatusError {
			stage.Percent = 0
			stage.Error = "timeout"
		}
		stages = append(stages, stage)
	}
	return progress.Snapshot{
		RunID:         runID,
		Stages:        stages,
		Totals:        map[string]int64{"emails": 7, "phones": 0},
		Terminal:      true,
		TerminalFired: true,
		StartedAt:     testStart,
		UpdatedAt:     testStart.Add(90 * time.Second),
	}
}

func stageUpdate(runID, stage string, status progress.Status, pct int) progress.Update {
	st := progress.StageState{ID: stage, Status: status, Percent: pct}
	return progress.Update{Kind: progress.UpdateStage, RunID: runID, Stage: &st}
}
