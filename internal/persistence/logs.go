package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *Store) AppendAgentLog(ctx context.Context, l AgentLog) (int64, error) {
	var id int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		id, err = AppendAgentLogTx(ctx, q, l)
		return err
	})
	return id, err
}

// AppendAgentLogTx records one agent interaction. A zero Timestamp takes the
// column default.
func AppendAgentLogTx(ctx context.Context, q Querier, l AgentLog) (int64, error) {
	if l.Role == "" || l.ContentType == "" {
		return 0, fmt.Errorf("agent log requires role and content type")
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO agent_logs (task_id, epic_id, timestamp, role, content_type, content, commit_hash)
		VALUES (?, ?, COALESCE(?, `+nowExpr+`), ?, ?, ?, ?);
	`, l.TaskID, nullInt64(l.EpicID), timestampArg(l.Timestamp), l.Role, l.ContentType, l.Content, nullString(l.CommitHash))
	if err != nil {
		return 0, fmt.Errorf("insert agent log: %w", err)
	}
	return res.LastInsertId()
}

// ListAgentLogsTx returns logs for every task in the project, oldest first.
func ListAgentLogsTx(ctx context.Context, q Querier, projectID int64) ([]AgentLog, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT l.id, l.task_id, l.epic_id, l.timestamp, l.role, l.content_type, l.content, l.commit_hash
		FROM agent_logs l
		JOIN tasks t ON t.id = l.task_id
		JOIN epics e ON e.id = t.epic_id
		WHERE e.project_id = ?
		ORDER BY l.timestamp, l.id;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer rows.Close()
	var out []AgentLog
	for rows.Next() {
		var (
			l           AgentLog
			epic        sql.NullInt64
			stamp, hash sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &epic, &stamp, &l.Role, &l.ContentType, &l.Content, &hash); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		l.EpicID = epic.Int64
		l.Timestamp = parseTimestamp(stamp)
		l.CommitHash = hash.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) AppendDecisionLog(ctx context.Context, d DecisionLog) (int64, error) {
	var id int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		id, err = AppendDecisionLogTx(ctx, q, d)
		return err
	})
	return id, err
}

func AppendDecisionLogTx(ctx context.Context, q Querier, d DecisionLog) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO decision_logs (task_id, timestamp, alternative_considered, reasoning_for_rejection, selected_option)
		VALUES (?, COALESCE(?, `+nowExpr+`), ?, ?, ?);
	`, d.TaskID, timestampArg(d.Timestamp), nullString(d.AlternativeConsidered),
		nullString(d.ReasoningForRejection), nullString(d.SelectedOption))
	if err != nil {
		return 0, fmt.Errorf("insert decision log: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) RecordEntropyEvent(ctx context.Context, e EntropyEvent) (int64, error) {
	var id int64
	err := s.RunTransaction(ctx, func(ctx context.Context, q Querier) error {
		var err error
		id, err = RecordEntropyEventTx(ctx, q, e)
		return err
	})
	return id, err
}

func RecordEntropyEventTx(ctx context.Context, q Querier, e EntropyEvent) (int64, error) {
	if e.HashChain == "" {
		return 0, fmt.Errorf("entropy event requires a hash chain")
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO entropy_events (task_id, hash_chain, error_output, timestamp)
		VALUES (?, ?, ?, COALESCE(?, `+nowExpr+`));
	`, e.TaskID, e.HashChain, nullString(e.ErrorOutput), timestampArg(e.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("insert entropy event: %w", err)
	}
	return res.LastInsertId()
}

// CountRows returns the row count of a core table for diagnostics.
func CountRows(ctx context.Context, q Querier, table string) (int64, error) {
	allowed := map[string]bool{}
	for _, names := range [][]string{CoreTables, AuditTables, CheckpointTables} {
		for _, n := range names {
			allowed[n] = true
		}
	}
	if !allowed[table] {
		return 0, fmt.Errorf("count rows: unknown table %q", table)
	}
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+`;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
