package repo

import (
	"context"
	"database/sql"

	"signline/internal/domain"
)

const taskCols = `task_id,kind,project_id,state,progress,result_json,error,error_kind,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.TaskRecord, error) {
	var t domain.TaskRecord
	var projectID, result, errMsg, errKind sql.NullString
	var progress sql.NullFloat64
	err := scan(&t.TaskID, &t.Kind, &projectID, &t.State, &progress, &result, &errMsg, &errKind, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if projectID.Valid {
		t.ProjectID = projectID.String
	}
	if progress.Valid {
		t.Progress = &progress.Float64
	}
	if result.Valid {
		t.ResultJSON = &result.String
	}
	if errMsg.Valid {
		t.Error = &errMsg.String
	}
	if errKind.Valid {
		t.ErrorKind = &errKind.String
	}
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, t domain.TaskRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(task_id,kind,project_id,state,progress,result_json,error,error_kind,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.TaskID, t.Kind, nullable(t.ProjectID), t.State, nullableFloat(t.Progress), nullableString(t.ResultJSON), nullableString(t.Error), nullableString(t.ErrorKind), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE task_id=?`, taskID)
	return scanTask(row.Scan)
}

// AdvanceTask moves a task between states. The state set is enforced in
// SQL so a concurrent writer cannot regress a terminal task: the update
// applies only when the current state is one of the allowed sources.
func (r Repo) AdvanceTask(ctx context.Context, taskID, toState string, fromStates []string, progress *float64, resultJSON, errMsg, errKind *string, updatedAt string) (bool, error) {
	if len(fromStates) == 0 {
		return false, nil
	}
	query := `UPDATE tasks SET state=?,progress=COALESCE(?,progress),result_json=COALESCE(?,result_json),error=COALESCE(?,error),error_kind=COALESCE(?,error_kind),updated_at=? WHERE task_id=? AND state IN (?` + repeat(",?", len(fromStates)-1) + `)`
	args := []any{toState, nullableFloat(progress), nullableString(resultJSON), nullableString(errMsg), nullableString(errKind), updatedAt, taskID}
	for _, s := range fromStates {
		args = append(args, s)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetTaskProgress updates progress without touching state. Ignored for
// terminal tasks.
func (r Repo) SetTaskProgress(ctx context.Context, taskID string, progress float64, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tasks SET progress=?,updated_at=? WHERE task_id=? AND state=?`,
		progress, updatedAt, taskID, domain.TaskProcessing)
	return err
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
