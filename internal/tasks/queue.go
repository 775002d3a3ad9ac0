// Package tasks implements the idempotent onboarding work queue: at
// most one task per (type, subject), consumed FIFO by a single polling
// loop per type.
package tasks

import (
	"context"
	"fmt"

	"courier/internal/models"
	"courier/pkg/database"
)

// Task types consumed by the engine.
const (
	TypeResellerOnboarding = "reseller_onboarding"
	TypeMemberOnboarding   = "member_onboarding"
)

// Enqueue creates a pending task for (taskType, subjectID). A task
// that already exists for the pair is left untouched, so repeated
// triggering events collapse into one task.
func Enqueue(ctx context.Context, db database.DBTX, taskType, subjectID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO schedule_tasks (task_type, subject_id)
		VALUES ($1, $2)
		ON CONFLICT (task_type, subject_id) DO NOTHING`,
		taskType, subjectID)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s task: %w", taskType, err)
	}
	return nil
}

// DequeueOldest returns the oldest pending task of the given type, or
// nil when the queue is empty. The task stays pending; callers mark it
// done once the handler chain completes.
func DequeueOldest(ctx context.Context, db database.DBTX, taskType string) (*models.ScheduleTask, error) {
	var task models.ScheduleTask
	err := db.QueryRowContext(ctx, `
		SELECT id, task_type, subject_id, status, processed_at, created_at
		FROM schedule_tasks
		WHERE task_type = $1 AND status = 'pending'
		ORDER BY id ASC
		LIMIT 1`, taskType).
		Scan(&task.ID, &task.TaskType, &task.SubjectID, &task.Status, &task.ProcessedAt, &task.CreatedAt)
	if err == database.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue %s task: %w", taskType, err)
	}
	return &task, nil
}

// MarkDone finalizes a task.
func MarkDone(ctx context.Context, db database.DBTX, taskID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE schedule_tasks SET status = 'done', processed_at = now() WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task done: %w", err)
	}
	return nil
}
