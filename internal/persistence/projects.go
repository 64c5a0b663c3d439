package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/basket/flightrec/internal/shared"
)

// UpsertProject inserts p when p.ID is zero, otherwise creates or replaces
// the row with that id. Returns the project id.
func (s *Store) UpsertProject(ctx context.Context, p Project) (int64, error) {
	var id int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		id, err = UpsertProjectTx(ctx, q, p)
		return err
	})
	return id, err
}

func UpsertProjectTx(ctx context.Context, q Querier, p Project) (int64, error) {
	if p.Name == "" {
		return 0, fmt.Errorf("project name required")
	}
	if p.Status == "" {
		p.Status = ProjectInitializing
	}
	if p.ID == 0 {
		res, err := q.ExecContext(ctx, `
			INSERT INTO projects (name, status, current_phase, last_milestone, metadata)
			VALUES (?, ?, ?, ?, ?);
		`, p.Name, string(p.Status), nullString(p.CurrentPhase), nullString(p.LastMilestone), nullString(p.Metadata))
		if err != nil {
			return 0, fmt.Errorf("insert project: %w", err)
		}
		return res.LastInsertId()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, current_phase, last_milestone, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			current_phase = excluded.current_phase,
			last_milestone = excluded.last_milestone,
			metadata = excluded.metadata;
	`, p.ID, p.Name, string(p.Status), nullString(p.CurrentPhase), nullString(p.LastMilestone), nullString(p.Metadata))
	if err != nil {
		return 0, fmt.Errorf("upsert project %d: %w", p.ID, err)
	}
	return p.ID, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (Project, error) {
	return GetProjectTx(ctx, s.db, id)
}

func GetProjectTx(ctx context.Context, q Querier, id int64) (Project, error) {
	var (
		p                          Project
		status                     string
		phase, milestone, metadata sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, status, current_phase, last_milestone, metadata
		FROM projects WHERE id = ?;
	`, id).Scan(&p.ID, &p.Name, &status, &phase, &milestone, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, shared.NotFound("get project", "project "+strconv.FormatInt(id, 10))
	}
	if err != nil {
		return Project{}, fmt.Errorf("get project %d: %w", id, err)
	}
	p.Status = ProjectStatus(status)
	p.CurrentPhase = phase.String
	p.LastMilestone = milestone.String
	p.Metadata = metadata.String
	return p, nil
}

// UpdateProjectMetadata merges updates into the project's metadata object.
func (s *Store) UpdateProjectMetadata(ctx context.Context, id int64, updates map[string]any) error {
	return s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		return UpdateProjectMetadataTx(ctx, q, id, updates)
	})
}

func UpdateProjectMetadataTx(ctx context.Context, q Querier, id int64, updates map[string]any) error {
	p, err := GetProjectTx(ctx, q, id)
	if err != nil {
		return err
	}
	meta := map[string]any{}
	if p.Metadata != "" {
		if err := json.Unmarshal([]byte(p.Metadata), &meta); err != nil {
			return shared.IntegrityViolation("update project metadata",
				"project "+strconv.FormatInt(id, 10)+" metadata is not a JSON object", err)
		}
	}
	for k, v := range updates {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal project metadata: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE projects SET metadata = ? WHERE id = ?;`, string(raw), id); err != nil {
		return fmt.Errorf("update project metadata %d: %w", id, err)
	}
	return nil
}

// SetProjectStatusTx moves a project to a new lifecycle status.
func SetProjectStatusTx(ctx context.Context, q Querier, id int64, status ProjectStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE projects SET status = ? WHERE id = ?;`, string(status), id)
	if err != nil {
		return fmt.Errorf("set project status %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NotFound("set project status", "project "+strconv.FormatInt(id, 10))
	}
	return nil
}

func (s *Store) AddDocument(ctx context.Context, d Document) (int64, error) {
	var id int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		id, err = AddDocumentTx(ctx, q, d)
		return err
	})
	return id, err
}

func AddDocumentTx(ctx context.Context, q Querier, d Document) (int64, error) {
	if d.Version == 0 {
		d.Version = 1
	}
	if d.Status == "" {
		d.Status = "draft"
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO documents (project_id, name, content, version, status)
		VALUES (?, ?, ?, ?, ?);
	`, d.ProjectID, d.Name, nullString(d.Content), d.Version, d.Status)
	if err != nil {
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) SaveRequirements(ctx context.Context, reqs []Requirement) ([]int64, error) {
	var ids []int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		ids, err = SaveRequirementsTx(ctx, q, reqs)
		return err
	})
	return ids, err
}

func SaveRequirementsTx(ctx context.Context, q Querier, reqs []Requirement) ([]int64, error) {
	ids := make([]int64, 0, len(reqs))
	for _, r := range reqs {
		if r.Priority == "" {
			r.Priority = "medium"
		}
		if r.Status == "" {
			r.Status = "pending"
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO requirements (project_id, description, priority, status, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, COALESCE(?, `+nowExpr+`));
		`, r.ProjectID, r.Description, r.Priority, r.Status, nullString(r.Metadata), timestampArg(r.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("insert requirement: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) SaveEpics(ctx context.Context, epics []Epic) ([]int64, error) {
	var ids []int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		ids, err = SaveEpicsTx(ctx, q, epics)
		return err
	})
	return ids, err
}

func SaveEpicsTx(ctx context.Context, q Querier, epics []Epic) ([]int64, error) {
	ids := make([]int64, 0, len(epics))
	for _, e := range epics {
		if e.Status == "" {
			e.Status = "pending"
		}
		res, err := q.ExecContext(ctx, `
			INSERT INTO epics (project_id, name, order_index, status) VALUES (?, ?, ?, ?);
		`, e.ProjectID, e.Name, e.OrderIndex, e.Status)
		if err != nil {
			return nil, fmt.Errorf("insert epic: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) GetProjectState(ctx context.Context, projectID int64) (ProjectState, error) {
	return GetProjectStateTx(ctx, s.db, projectID)
}

// GetProjectStateTx loads a project with all its owned rows.
func GetProjectStateTx(ctx context.Context, q Querier, projectID int64) (ProjectState, error) {
	p, err := GetProjectTx(ctx, q, projectID)
	if err != nil {
		return ProjectState{}, err
	}
	state := ProjectState{Project: p}

	if state.Documents, err = listDocuments(ctx, q, projectID); err != nil {
		return ProjectState{}, err
	}
	if state.Requirements, err = listRequirements(ctx, q, projectID); err != nil {
		return ProjectState{}, err
	}
	if state.Epics, err = listEpics(ctx, q, projectID); err != nil {
		return ProjectState{}, err
	}
	if state.Tasks, err = ListTasksTx(ctx, q, projectID); err != nil {
		return ProjectState{}, err
	}
	if state.AgentLogs, err = ListAgentLogsTx(ctx, q, projectID); err != nil {
		return ProjectState{}, err
	}
	return state, nil
}

func listDocuments(ctx context.Context, q Querier, projectID int64) ([]Document, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, project_id, name, content, version, status
		FROM documents WHERE project_id = ? ORDER BY id;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		var content sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &content, &d.Version, &d.Status); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Content = content.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func listRequirements(ctx context.Context, q Querier, projectID int64) ([]Requirement, error) {
	hasCreated, err := ColumnExists(ctx, q, "requirements", "created_at")
	if err != nil {
		return nil, err
	}
	createdExpr := "NULL"
	if hasCreated {
		createdExpr = "created_at"
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, project_id, description, priority, status, metadata, `+createdExpr+`
		FROM requirements WHERE project_id = ? ORDER BY id;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	var out []Requirement
	for rows.Next() {
		var r Requirement
		var metadata, created sql.NullString
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Description, &r.Priority, &r.Status, &metadata, &created); err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		r.Metadata = metadata.String
		r.CreatedAt = parseTimestamp(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func listEpics(ctx context.Context, q Querier, projectID int64) ([]Epic, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, project_id, name, order_index, status
		FROM epics WHERE project_id = ? ORDER BY order_index, id;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()
	var out []Epic
	for rows.Next() {
		var e Epic
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Name, &e.OrderIndex, &e.Status); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
