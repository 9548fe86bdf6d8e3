package model

import "time"

// Note は講義ノートを表す。
// UserIDは作成時に確定し、以後変更されない。
type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Course    string    `json:"course"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NoteFields はノートの更新可能フィールドを表す。
// UserIDとIDは更新ペイロードからは変更できない。
type NoteFields struct {
	Title   string
	Course  string
	Content string
}
