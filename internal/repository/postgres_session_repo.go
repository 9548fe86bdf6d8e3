package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/studynotes/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// Principalスナップショットはdataカラム（JSONB）に保持する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はPrincipalスナップショット込みでセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, session *model.Session) error {
	data, err := marshalSnapshot(session.Principal)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, data, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, data, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
// dataカラムにスナップショットがあればPrincipalに展開する。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	session := &model.Session{}
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, data, expires_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&session.ID, &session.UserID, &data, &session.ExpiresAt, &session.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	session.Principal = unmarshalSnapshot(data)
	return session, nil
}

// UpdateSnapshot はセッションのPrincipalスナップショットを書き換える。
func (r *PostgresSessionRepo) UpdateSnapshot(ctx context.Context, id string, principal *model.Principal) error {
	data, err := marshalSnapshot(principal)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET data = $1 WHERE id = $2`,
		data, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update session snapshot: %w", err)
	}
	return nil
}

// RefreshSnapshotsByUserID は指定ユーザーの全セッションのスナップショットを書き換える。
// プロフィール画像やパスワードの変更後に呼び出す。
func (r *PostgresSessionRepo) RefreshSnapshotsByUserID(ctx context.Context, userID string, principal *model.Principal) error {
	data, err := marshalSnapshot(principal)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET data = $1 WHERE user_id = $2`,
		data, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh session snapshots: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *PostgresSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// marshalSnapshot はPrincipalをJSONBカラム用のバイト列に変換する。
// nilの場合は空オブジェクトを返す。
func marshalSnapshot(principal *model.Principal) ([]byte, error) {
	if principal == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(principal)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session snapshot: %w", err)
	}
	return data, nil
}

// unmarshalSnapshot はdataカラムの内容をPrincipalに変換する。
// 空・不正・idなしのスナップショットはnil扱いとし、呼び出し側で再構築させる。
func unmarshalSnapshot(data []byte) *model.Principal {
	if len(data) == 0 {
		return nil
	}
	principal := &model.Principal{}
	if err := json.Unmarshal(data, principal); err != nil {
		return nil
	}
	if principal.ID == "" {
		return nil
	}
	return principal
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
