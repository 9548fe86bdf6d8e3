package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/studynotes/internal/model"
)

// PostgresNoteRepo はPostgreSQLを使用したノートリポジトリ。
// 全ての参照・更新・削除はidと所有者idを同一のWHERE句で条件に含め、
// 取得後の所有者チェックは行わない。
type PostgresNoteRepo struct {
	db *sql.DB
}

// NewPostgresNoteRepo はPostgresNoteRepoを生成する。
func NewPostgresNoteRepo(db *sql.DB) *PostgresNoteRepo {
	return &PostgresNoteRepo{db: db}
}

const noteColumns = `id, user_id, title, course, content, created_at, updated_at`

// ListByOwner は所有者のノート一覧を作成日時の降順で返す。
func (r *PostgresNoteRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Note, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	notes := []*model.Note{}
	for rows.Next() {
		note := &model.Note{}
		if err := rows.Scan(
			&note.ID, &note.UserID, &note.Title, &note.Course,
			&note.Content, &note.CreatedAt, &note.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notes: %w", err)
	}

	return notes, nil
}

// FindByIDAndOwner はidと所有者idでノートを取得する。見つからない場合はnilを返す。
func (r *PostgresNoteRepo) FindByIDAndOwner(ctx context.Context, id, ownerID string) (*model.Note, error) {
	note := &model.Note{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+noteColumns+` FROM notes
		 WHERE id = $1 AND user_id = $2`,
		id, ownerID,
	).Scan(
		&note.ID, &note.UserID, &note.Title, &note.Course,
		&note.Content, &note.CreatedAt, &note.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find note: %w", err)
	}

	return note, nil
}

// Create はノートを作成する。
func (r *PostgresNoteRepo) Create(ctx context.Context, note *model.Note) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notes (id, user_id, title, course, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		note.ID, note.UserID, note.Title, note.Course, note.Content,
		note.CreatedAt, note.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// UpdateByIDAndOwner はノートの全フィールドを置き換え、更新後のノートを返す。
// 対象が存在しない（または他ユーザー所有の）場合はnilを返す。
func (r *PostgresNoteRepo) UpdateByIDAndOwner(ctx context.Context, id, ownerID string, fields model.NoteFields) (*model.Note, error) {
	note := &model.Note{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE notes
		 SET title = $1, course = $2, content = $3, updated_at = $4
		 WHERE id = $5 AND user_id = $6
		 RETURNING `+noteColumns,
		fields.Title, fields.Course, fields.Content, time.Now(),
		id, ownerID,
	).Scan(
		&note.ID, &note.UserID, &note.Title, &note.Course,
		&note.Content, &note.CreatedAt, &note.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update note: %w", err)
	}

	return note, nil
}

// DeleteByIDAndOwner はノートを削除する。対象が存在しなくてもエラーにしない（冪等）。
func (r *PostgresNoteRepo) DeleteByIDAndOwner(ctx context.Context, id, ownerID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = $1 AND user_id = $2`,
		id, ownerID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return nil
}

// compile-time interface check
var _ NoteRepository = (*PostgresNoteRepo)(nil)
