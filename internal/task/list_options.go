package task

import (
	"strings"
	"time"
)

// SortOrder 决定任务列表的排序方式。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序（最新在前）。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间正序。
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 控制从存储中筛选任务的方式。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Queue      string
	UpdatedGTE int64
	UpdatedLTE int64
	// Executed 按是否已有执行结果筛选。
	Executed *bool
	Order    SortOrder
	// Query 对记录 ID、任务账户、队列、描述与错误信息做模糊匹配。
	Query string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Limit > maxListLimit {
		opts.Limit = maxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Queue = strings.TrimSpace(opts.Queue)
	opts.Query = strings.TrimSpace(opts.Query)
}

// matches 在内存中判断任务是否满足筛选条件。
func (opts ListOptions) matches(task *Task) bool {
	if len(opts.Statuses) > 0 {
		found := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Queue != "" && !strings.EqualFold(task.Queue, opts.Queue) {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Executed != nil && (task.Result != nil) != *opts.Executed {
		return false
	}
	if opts.Query != "" {
		query := strings.ToLower(opts.Query)
		fields := []string{task.ID, task.Address, task.Queue, task.Description, task.LastError}
		hit := false
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), query) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 按状态筛选。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithQueue 只返回指定队列的任务。
func WithQueue(queue string) ListOption {
	return func(opts *ListOptions) { opts.Queue = queue }
}

// WithUpdatedSince 筛选在 ts 之后（含）更新的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil 筛选在 ts 之前（含）更新的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithExecuted 按是否已执行筛选。
func WithExecuted(executed bool) ListOption {
	return func(opts *ListOptions) {
		opts.Executed = new(bool)
		*opts.Executed = executed
	}
}

// WithSortOrder 修改排序方式。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 设置模糊匹配关键字。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

// BuildListOptions 在默认值之上应用选项。
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
