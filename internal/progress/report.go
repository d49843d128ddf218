package progress

// GenerateReport aggregates task totals, completion rate, milestone totals,
// average task duration and total retries for a session.
func (t *Tracker) GenerateReport(sessionID string) (*Report, error) {
	s, err := t.GetStatus(sessionID)
	if err != nil {
		return nil, err
	}
	now := t.now()

	r := &Report{
		SessionID:       s.SessionID,
		PlanName:        s.PlanName,
		Status:          s.Status,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		TasksTotal:      s.TasksTotal,
		TasksCompleted:  s.TasksCompleted,
		TasksByStatus:   make(map[string]int),
		CompletionRate:  s.CompletionPercentage,
		MilestonesTotal: len(s.Milestones),
		Metrics:         s.Metrics,
		GeneratedAt:     now,
	}

	end := now
	if s.CompletedAt != nil {
		end = *s.CompletedAt
	}
	r.Elapsed = end.Sub(s.StartedAt).Seconds()

	var totalDuration float64
	var timed int
	for _, task := range s.Tasks {
		r.TasksByStatus[task.Status.String()]++
		r.TotalRetries += task.RetryCount
		if task.Duration != nil {
			totalDuration += *task.Duration
			timed++
		}
	}
	if timed > 0 {
		r.AverageTaskDuration = totalDuration / float64(timed)
	}
	for _, m := range s.Milestones {
		if m.Status == MilestoneCompleted {
			r.MilestonesCompleted++
		}
	}
	return r, nil
}
