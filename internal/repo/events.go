package repo

import (
	"context"

	"signline/internal/domain"
)

func (r Repo) ListEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,COALESCE(project_id,'') AS project_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if projectID != "" {
		clauses = append(clauses, `project_id=?`)
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, `type=?`)
		args = append(args, evtType)
	}
	for i, c := range clauses {
		if i == 0 {
			query += ` WHERE ` + c
		} else {
			query += ` AND ` + c
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
