package tasks

import "time"

// JobView is an immutable snapshot of a job for status endpoints.
type JobView struct {
	JobID      string              `json:"job_id"`
	UserID     string              `json:"user_id"`
	TotalItems int                 `json:"total_items"`
	Processed  int                 `json:"processed"`
	Successful int                 `json:"successful"`
	Failed     int                 `json:"failed"`
	Status     Status              `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
	Items      map[string]ItemTask `json:"item_tasks"`
}

// view snapshots the job under its lock.
func (j *job) view() *JobView {
	j.mu.Lock()
	defer j.mu.Unlock()

	items := make(map[string]ItemTask, len(j.items))
	for key, item := range j.items {
		copied := *item
		if item.Result != nil {
			result := make(map[string]interface{}, len(item.Result))
			for k, v := range item.Result {
				result[k] = v
			}
			copied.Result = result
		}
		items[key] = copied
	}

	return &JobView{
		JobID:      j.id,
		UserID:     j.userID,
		TotalItems: j.totalItems,
		Processed:  j.processed,
		Successful: j.successful,
		Failed:     j.failed,
		Status:     j.status,
		CreatedAt:  j.createdAt,
		UpdatedAt:  j.updatedAt,
		Items:      items,
	}
}
