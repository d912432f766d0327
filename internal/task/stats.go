package task

// TaskStats 聚合了任务状态的统计信息，用于仪表盘与健康检查。
type TaskStats struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Running         int    `json:"running"`
	Succeeded       int    `json:"succeeded"`
	Failed          int    `json:"failed"`
	RewardsPaid     uint64 `json:"rewards_paid"`
	OldestUpdatedAt int64  `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64  `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(task *Task) {
	s.Total++
	switch task.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if task.Result != nil {
		s.RewardsPaid += task.Result.Reward
	}
	if s.OldestUpdatedAt == 0 || task.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = task.UpdatedAt
	}
	if task.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = task.UpdatedAt
	}
}
