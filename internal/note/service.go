// Package note はノートのCRUDに関するビジネスロジックを提供する。
//
// 全ての操作は所有者スコープで行われ、他ユーザーのノートは
// 存在しないものとして扱われる。
package note

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/studynotes/internal/model"
	"github.com/hitoshi/studynotes/internal/repository"
	"github.com/hitoshi/studynotes/internal/security"
)

// Service はノート操作のビジネスロジックを提供する。
type Service struct {
	noteRepo  repository.NoteRepository
	sanitizer security.ContentSanitizerService
}

// NewService はServiceを生成する。
func NewService(noteRepo repository.NoteRepository, sanitizer security.ContentSanitizerService) *Service {
	return &Service{
		noteRepo:  noteRepo,
		sanitizer: sanitizer,
	}
}

// List は所有者のノート一覧を作成日時の降順で返す。
// ノートがない場合は空スライスを返す。
func (s *Service) List(ctx context.Context, ownerID string) ([]*model.Note, error) {
	notes, err := s.noteRepo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	return notes, nil
}

// Get は所有者のノートを1件取得する。
// 存在しない、または他ユーザー所有の場合はNOTE_NOT_FOUNDになる。
func (s *Service) Get(ctx context.Context, id, ownerID string) (*model.Note, error) {
	note, err := s.noteRepo.FindByIDAndOwner(ctx, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find note: %w", err)
	}
	if note == nil {
		return nil, model.NewNoteNotFoundError()
	}
	return note, nil
}

// Create はノートを作成する。全フィールドが必須。
func (s *Service) Create(ctx context.Context, ownerID string, fields model.NoteFields) (*model.Note, error) {
	sanitized, err := s.sanitizeFields(fields)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	note := &model.Note{
		ID:        uuid.New().String(),
		UserID:    ownerID,
		Title:     sanitized.Title,
		Course:    sanitized.Course,
		Content:   sanitized.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.noteRepo.Create(ctx, note); err != nil {
		return nil, fmt.Errorf("failed to create note: %w", err)
	}

	slog.Info("note created",
		slog.String("note_id", note.ID),
		slog.String("user_id", ownerID),
	)

	return note, nil
}

// Update は指定されたフィールドを置き換え、更新後のノートを返す。
// 省略された（またはサニタイズ後に空になった）フィールドは既存の値を保持する。
// 存在しない、または他ユーザー所有の場合はNOTE_NOT_FOUNDになる。
func (s *Service) Update(ctx context.Context, id, ownerID string, fields model.NoteFields) (*model.Note, error) {
	existing, err := s.noteRepo.FindByIDAndOwner(ctx, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to find note: %w", err)
	}
	if existing == nil {
		return nil, model.NewNoteNotFoundError()
	}

	merged := model.NoteFields{
		Title:   existing.Title,
		Course:  existing.Course,
		Content: existing.Content,
	}
	if v := s.sanitizer.SanitizeText(fields.Title); v != "" {
		merged.Title = v
	}
	if v := s.sanitizer.SanitizeText(fields.Course); v != "" {
		merged.Course = v
	}
	if v := s.sanitizer.SanitizeContent(fields.Content); v != "" {
		merged.Content = v
	}

	note, err := s.noteRepo.UpdateByIDAndOwner(ctx, id, ownerID, merged)
	if err != nil {
		return nil, fmt.Errorf("failed to update note: %w", err)
	}
	if note == nil {
		return nil, model.NewNoteNotFoundError()
	}

	return note, nil
}

// Delete はノートを削除する。対象が存在しなくても成功として扱う（冪等）。
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if err := s.noteRepo.DeleteByIDAndOwner(ctx, id, ownerID); err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	return nil
}

// sanitizeFields は作成時の入力フィールドをサニタイズし、必須チェックを行う。
// サニタイズ後に空になったフィールドも欠落として扱う。
func (s *Service) sanitizeFields(fields model.NoteFields) (model.NoteFields, error) {
	sanitized := model.NoteFields{
		Title:   s.sanitizer.SanitizeText(fields.Title),
		Course:  s.sanitizer.SanitizeText(fields.Course),
		Content: s.sanitizer.SanitizeContent(fields.Content),
	}
	if sanitized.Title == "" || sanitized.Course == "" || sanitized.Content == "" {
		return model.NoteFields{}, model.NewValidationError("All fields are required")
	}
	return sanitized, nil
}
