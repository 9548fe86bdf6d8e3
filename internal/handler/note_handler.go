package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studynotes/internal/middleware"
	"github.com/hitoshi/studynotes/internal/model"
)

// NoteServiceInterface はノートハンドラーが必要とするサービスインターフェース。
type NoteServiceInterface interface {
	List(ctx context.Context, ownerID string) ([]*model.Note, error)
	Get(ctx context.Context, id, ownerID string) (*model.Note, error)
	Create(ctx context.Context, ownerID string, fields model.NoteFields) (*model.Note, error)
	Update(ctx context.Context, id, ownerID string, fields model.NoteFields) (*model.Note, error)
	Delete(ctx context.Context, id, ownerID string) error
}

// NoteMetrics はノート関連メトリクスの記録インターフェース。
type NoteMetrics interface {
	RecordNoteCreated()
}

// NoteHandler はノートCRUDのHTTPハンドラー。
// 全ルートはセッションミドルウェアの内側に配置され、
// 所有者IDは常にコンテキストのPrincipalから導出する。
type NoteHandler struct {
	service NoteServiceInterface
	metrics NoteMetrics
}

// NewNoteHandler はNoteHandlerを生成する。
func NewNoteHandler(service NoteServiceInterface, metrics NoteMetrics) *NoteHandler {
	return &NoteHandler{
		service: service,
		metrics: metrics,
	}
}

// noteRequest はノート作成・更新リクエストのボディ。
type noteRequest struct {
	Title   string `json:"title"`
	Course  string `json:"course"`
	Content string `json:"content"`
}

// List は所有者のノート一覧を返す。
// GET /api/notes
func (h *NoteHandler) List(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	notes, err := h.service.List(r.Context(), principal.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, notes)
}

// Get はノートを1件取得する。
// GET /api/notes/{id}
func (h *NoteHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	note, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), principal.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, note)
}

// Create はノートを作成する。
// POST /api/notes
func (h *NoteHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("All fields are required"))
		return
	}

	note, err := h.service.Create(r.Context(), principal.ID, model.NoteFields{
		Title:   req.Title,
		Course:  req.Course,
		Content: req.Content,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.metrics.RecordNoteCreated()
	writeJSON(w, http.StatusOK, note)
}

// Update はノートを部分更新する。省略されたフィールドは既存の値を保持する。
// PUT /api/notes/{id}
func (h *NoteHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Invalid request body"))
		return
	}

	note, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), principal.ID, model.NoteFields{
		Title:   req.Title,
		Course:  req.Course,
		Content: req.Content,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, note)
}

// Delete はノートを削除する。対象が存在しなくても成功として応答する（冪等）。
// DELETE /api/notes/{id}
func (h *NoteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, err := middleware.PrincipalFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), principal.ID); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Note deleted"})
}
