package database

import (
	"context"
	"database/sql"
	"time"

	"rv-go/internal/model"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries runs the ledger's statements against a connection or transaction.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const repositoryColumns = `id, name, description, latest_version, last_content_added, last_content_removed, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (*model.Repository, error) {
	var r model.Repository
	var added, removed sql.NullTime
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.LatestVersion, &added, &removed, &r.CreatedAt); err != nil {
		return nil, err
	}
	if added.Valid {
		t := added.Time
		r.LastContentAdded = &t
	}
	if removed.Valid {
		t := removed.Time
		r.LastContentRemoved = &t
	}
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

const insertRepository = `INSERT INTO repositories (` + repositoryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertRepository(ctx context.Context, r *model.Repository) error {
	_, err := q.db.ExecContext(ctx, insertRepository,
		r.ID, r.Name, r.Description, r.LatestVersion,
		nullTime(r.LastContentAdded), nullTime(r.LastContentRemoved), r.CreatedAt)
	return err
}

const getRepositoryByName = `SELECT ` + repositoryColumns + ` FROM repositories WHERE name = ?`

func (q *Queries) GetRepositoryByName(ctx context.Context, name string) (*model.Repository, error) {
	return scanRepository(q.db.QueryRowContext(ctx, getRepositoryByName, name))
}

const listRepositories = `SELECT ` + repositoryColumns + ` FROM repositories ORDER BY name`

func (q *Queries) ListRepositories(ctx context.Context) ([]*model.Repository, error) {
	rows, err := q.db.QueryContext(ctx, listRepositories)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	repos := []*model.Repository{}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

const advanceRepository = `UPDATE repositories
SET latest_version = ?, last_content_added = ?, last_content_removed = ?
WHERE id = ? AND latest_version = ?`

// AdvanceRepository returns the number of rows updated: 0 when the stored
// latest version is no longer previous.
func (q *Queries) AdvanceRepository(ctx context.Context, r *model.Repository, previous int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, advanceRepository,
		r.LatestVersion, nullTime(r.LastContentAdded), nullTime(r.LastContentRemoved), r.ID, previous)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const sumLatestVersions = `SELECT COALESCE(SUM(latest_version), 0) FROM repositories`

func (q *Queries) SumLatestVersions(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, sumLatestVersions).Scan(&n)
	return n, err
}

const versionColumns = `repository_id, number, created_at, action`

func scanVersion(row scanner) (*model.Version, error) {
	var v model.Version
	var action string
	if err := row.Scan(&v.RepositoryID, &v.Number, &v.CreatedAt, &action); err != nil {
		return nil, err
	}
	v.Action = model.Action(action)
	return &v, nil
}

const insertVersion = `INSERT INTO repository_versions (` + versionColumns + `) VALUES (?, ?, ?, ?)`

func (q *Queries) InsertVersion(ctx context.Context, v *model.Version) error {
	_, err := q.db.ExecContext(ctx, insertVersion, v.RepositoryID, v.Number, v.CreatedAt, string(v.Action))
	return err
}

const getVersion = `SELECT ` + versionColumns + ` FROM repository_versions WHERE repository_id = ? AND number = ?`

func (q *Queries) GetVersion(ctx context.Context, repositoryID string, number int64) (*model.Version, error) {
	return scanVersion(q.db.QueryRowContext(ctx, getVersion, repositoryID, number))
}

const listVersions = `SELECT ` + versionColumns + ` FROM repository_versions WHERE repository_id = ? ORDER BY number`

func (q *Queries) ListVersions(ctx context.Context, repositoryID string) ([]*model.Version, error) {
	rows, err := q.db.QueryContext(ctx, listVersions, repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := []*model.Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

const contentColumns = `repository_id, content_id, vadded, vremoved`

func scanAssociation(row scanner) (*model.Association, error) {
	var a model.Association
	var content string
	var vremoved sql.NullInt64
	if err := row.Scan(&a.RepositoryID, &content, &a.VAdded, &vremoved); err != nil {
		return nil, err
	}
	a.ContentID = model.ContentID(content)
	if vremoved.Valid {
		n := vremoved.Int64
		a.VRemoved = &n
	}
	return &a, nil
}

func (q *Queries) listAssociations(ctx context.Context, query string, args ...any) ([]*model.Association, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	associations := []*model.Association{}
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		associations = append(associations, a)
	}
	return associations, rows.Err()
}

const insertContent = `INSERT INTO repository_contents (repository_id, content_id, vadded) VALUES (?, ?, ?)`

func (q *Queries) InsertContent(ctx context.Context, repositoryID string, content model.ContentID, vadded int64) error {
	_, err := q.db.ExecContext(ctx, insertContent, repositoryID, string(content), vadded)
	return err
}

const endContent = `UPDATE repository_contents SET vremoved = ?
WHERE repository_id = ? AND content_id = ? AND vadded = ? AND vremoved IS NULL`

// EndContent returns the number of rows updated: 0 when the association
// does not exist or was already ended.
func (q *Queries) EndContent(ctx context.Context, a *model.Association, vremoved int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, endContent, vremoved, a.RepositoryID, string(a.ContentID), a.VAdded)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const getOpenContent = `SELECT ` + contentColumns + ` FROM repository_contents
WHERE repository_id = ? AND content_id = ? AND vremoved IS NULL`

func (q *Queries) GetOpenContent(ctx context.Context, repositoryID string, content model.ContentID) (*model.Association, error) {
	return scanAssociation(q.db.QueryRowContext(ctx, getOpenContent, repositoryID, string(content)))
}

const listContents = `SELECT ` + contentColumns + ` FROM repository_contents
WHERE repository_id = ? ORDER BY vadded, content_id`

func (q *Queries) ListContents(ctx context.Context, repositoryID string) ([]*model.Association, error) {
	return q.listAssociations(ctx, listContents, repositoryID)
}

const listChangedContents = `SELECT ` + contentColumns + ` FROM repository_contents
WHERE repository_id = ?
  AND ((vadded > ? AND vadded <= ?) OR (vremoved > ? AND vremoved <= ?))
ORDER BY content_id, vadded`

func (q *Queries) ListChangedContents(ctx context.Context, repositoryID string, from, to int64) ([]*model.Association, error) {
	return q.listAssociations(ctx, listChangedContents, repositoryID, from, to, from, to)
}
