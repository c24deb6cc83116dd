package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/alamin-khalid/planet-orchestrator/db/migrations"
)

// PostgresStore is the durable Store. It speaks database/sql over the pgx
// stdlib driver and applies the embedded migrations on construction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

const planetColumns = `planet_id, season_id, round_id, current_round_number, next_round_time, status, last_processed, processing_server_id, error_retry_count, created_at, updated_at`

func (p *PostgresStore) CreatePlanet(ctx context.Context, planet PlanetRecord) error {
	now := time.Now().UTC()
	if planet.CreatedAt.IsZero() {
		planet.CreatedAt = now
	}
	planet.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO planets (`+planetColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		planet.ID, planet.SeasonID, planet.RoundID, planet.CurrentRoundNumber, planet.NextRoundTime,
		planet.Status, nullTime(planet.LastProcessed), planet.ProcessingServerID, planet.ErrorRetryCount,
		planet.CreatedAt, planet.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return ErrPlanetExists
	}
	return err
}

func (p *PostgresStore) GetPlanet(ctx context.Context, planetID string) (PlanetRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+planetColumns+` FROM planets WHERE planet_id=$1`, planetID)
	rec, err := scanPlanet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanetRecord{}, false, nil
	}
	if err != nil {
		return PlanetRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) UpdatePlanet(ctx context.Context, planet PlanetRecord) error {
	planet.UpdatedAt = time.Now().UTC()
	res, err := p.db.ExecContext(ctx,
		`UPDATE planets SET season_id=$2, round_id=$3, current_round_number=$4, next_round_time=$5,
		 status=$6, last_processed=$7, processing_server_id=$8, error_retry_count=$9, updated_at=$10
		 WHERE planet_id=$1`,
		planet.ID, planet.SeasonID, planet.RoundID, planet.CurrentRoundNumber, planet.NextRoundTime,
		planet.Status, nullTime(planet.LastProcessed), planet.ProcessingServerID, planet.ErrorRetryCount,
		planet.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("planet %s not found", planet.ID)
	}
	return nil
}

func (p *PostgresStore) DeletePlanet(ctx context.Context, planetID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_history WHERE planet_id=$1`, planetID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM planets WHERE planet_id=$1`, planetID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListPlanetsByStatus(ctx context.Context, status string, limit int) ([]PlanetRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+planetColumns+` FROM planets WHERE ($1='' OR status=$1) ORDER BY next_round_time LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPlanets(rows)
}

func (p *PostgresStore) ListDuePlanets(ctx context.Context, now time.Time, limit int) ([]PlanetRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+planetColumns+` FROM planets WHERE status=$1 AND next_round_time<=$2 ORDER BY next_round_time LIMIT $3`,
		PlanetQueued, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPlanets(rows)
}

func (p *PostgresStore) CountPlanetsByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM planets WHERE status=$1`, status).Scan(&n)
	return n, err
}

const serverColumns = `server_id, server_ip, status, last_heartbeat, idle_cpu_usage, max_cpu_usage, idle_ram_usage, max_ram_usage, disk_usage, current_task, total_assigned, total_completed, total_failed, connected_at, disconnected_at`

func (p *PostgresStore) UpsertServer(ctx context.Context, server ServerRecord) error {
	if server.LastHeartbeat.IsZero() {
		server.LastHeartbeat = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO servers (`+serverColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (server_id) DO UPDATE SET
		 server_ip=EXCLUDED.server_ip, status=EXCLUDED.status, last_heartbeat=EXCLUDED.last_heartbeat,
		 idle_cpu_usage=EXCLUDED.idle_cpu_usage, max_cpu_usage=EXCLUDED.max_cpu_usage,
		 idle_ram_usage=EXCLUDED.idle_ram_usage, max_ram_usage=EXCLUDED.max_ram_usage,
		 disk_usage=EXCLUDED.disk_usage, current_task=EXCLUDED.current_task,
		 total_assigned=EXCLUDED.total_assigned, total_completed=EXCLUDED.total_completed,
		 total_failed=EXCLUDED.total_failed, connected_at=EXCLUDED.connected_at,
		 disconnected_at=EXCLUDED.disconnected_at`,
		server.ID, server.IP, server.Status, nullTime(server.LastHeartbeat),
		server.IdleCPU, server.MaxCPU, server.IdleRAM, server.MaxRAM, server.Disk,
		server.CurrentTask, server.TotalAssigned, server.TotalCompleted, server.TotalFailed,
		nullTime(server.ConnectedAt), nullTime(server.DisconnectedAt),
	)
	return err
}

func (p *PostgresStore) GetServer(ctx context.Context, serverID string) (ServerRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE server_id=$1`, serverID)
	rec, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerRecord{}, false, nil
	}
	if err != nil {
		return ServerRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) UpdateServer(ctx context.Context, server ServerRecord) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE servers SET server_ip=$2, status=$3, last_heartbeat=$4, idle_cpu_usage=$5, max_cpu_usage=$6,
		 idle_ram_usage=$7, max_ram_usage=$8, disk_usage=$9, current_task=$10, total_assigned=$11,
		 total_completed=$12, total_failed=$13, connected_at=$14, disconnected_at=$15
		 WHERE server_id=$1`,
		server.ID, server.IP, server.Status, nullTime(server.LastHeartbeat),
		server.IdleCPU, server.MaxCPU, server.IdleRAM, server.MaxRAM, server.Disk,
		server.CurrentTask, server.TotalAssigned, server.TotalCompleted, server.TotalFailed,
		nullTime(server.ConnectedAt), nullTime(server.DisconnectedAt),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("server %s not found", server.ID)
	}
	return nil
}

func (p *PostgresStore) ListServers(ctx context.Context) ([]ServerRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectServers(rows)
}

func (p *PostgresStore) ListServersByStatus(ctx context.Context, statuses ...string) ([]ServerRecord, error) {
	if len(statuses) == 0 {
		return p.ListServers(ctx)
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY server_id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectServers(rows)
}

func (p *PostgresStore) CountServersByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM servers WHERE status=$1`, status).Scan(&n)
	return n, err
}

const historyColumns = `id, planet_id, server_id, start_time, end_time, status, error_message, duration_seconds`

func (p *PostgresStore) InsertTaskHistory(ctx context.Context, row TaskHistoryRecord) (int64, error) {
	if row.StartTime.IsZero() {
		row.StartTime = time.Now().UTC()
	}
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO task_history (planet_id, server_id, start_time, end_time, status, error_message, duration_seconds)
		 VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		row.PlanetID, row.ServerID, row.StartTime, nullTime(row.EndTime), row.Status, row.ErrorMessage, row.DurationSeconds,
	).Scan(&id)
	return id, err
}

func (p *PostgresStore) LatestTaskHistory(ctx context.Context, planetID string, statuses []string) (TaskHistoryRecord, bool, error) {
	if len(statuses) == 0 {
		return TaskHistoryRecord{}, false, nil
	}
	placeholders := make([]string, len(statuses))
	args := []any{planetID}
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, s)
	}
	row := p.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM task_history
		 WHERE planet_id=$1 AND status IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY start_time DESC, id DESC LIMIT 1`,
		args...,
	)
	rec, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskHistoryRecord{}, false, nil
	}
	if err != nil {
		return TaskHistoryRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) UpdateTaskHistory(ctx context.Context, row TaskHistoryRecord) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE task_history SET planet_id=$2, server_id=$3, start_time=$4, end_time=$5, status=$6,
		 error_message=$7, duration_seconds=$8 WHERE id=$1`,
		row.ID, row.PlanetID, row.ServerID, row.StartTime, nullTime(row.EndTime), row.Status,
		row.ErrorMessage, row.DurationSeconds,
	)
	return err
}

func (p *PostgresStore) ListTaskHistory(ctx context.Context, limit int) ([]TaskHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM task_history ORDER BY start_time DESC, id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TaskHistoryRecord, 0, limit)
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlanet(row rowScanner) (PlanetRecord, error) {
	var rec PlanetRecord
	var lastProcessed sql.NullTime
	err := row.Scan(&rec.ID, &rec.SeasonID, &rec.RoundID, &rec.CurrentRoundNumber, &rec.NextRoundTime,
		&rec.Status, &lastProcessed, &rec.ProcessingServerID, &rec.ErrorRetryCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return PlanetRecord{}, err
	}
	rec.NextRoundTime = rec.NextRoundTime.UTC()
	rec.LastProcessed = timeOrZero(lastProcessed)
	return rec, nil
}

func collectPlanets(rows *sql.Rows) ([]PlanetRecord, error) {
	out := make([]PlanetRecord, 0)
	for rows.Next() {
		rec, err := scanPlanet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanServer(row rowScanner) (ServerRecord, error) {
	var rec ServerRecord
	var heartbeat, connected, disconnected sql.NullTime
	err := row.Scan(&rec.ID, &rec.IP, &rec.Status, &heartbeat, &rec.IdleCPU, &rec.MaxCPU,
		&rec.IdleRAM, &rec.MaxRAM, &rec.Disk, &rec.CurrentTask, &rec.TotalAssigned,
		&rec.TotalCompleted, &rec.TotalFailed, &connected, &disconnected)
	if err != nil {
		return ServerRecord{}, err
	}
	rec.LastHeartbeat = timeOrZero(heartbeat)
	rec.ConnectedAt = timeOrZero(connected)
	rec.DisconnectedAt = timeOrZero(disconnected)
	return rec, nil
}

func collectServers(rows *sql.Rows) ([]ServerRecord, error) {
	out := make([]ServerRecord, 0)
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanHistory(row rowScanner) (TaskHistoryRecord, error) {
	var rec TaskHistoryRecord
	var end sql.NullTime
	err := row.Scan(&rec.ID, &rec.PlanetID, &rec.ServerID, &rec.StartTime, &end, &rec.Status,
		&rec.ErrorMessage, &rec.DurationSeconds)
	if err != nil {
		return TaskHistoryRecord{}, err
	}
	rec.StartTime = rec.StartTime.UTC()
	rec.EndTime = timeOrZero(end)
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
