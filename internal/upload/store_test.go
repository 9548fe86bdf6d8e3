package upload

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/hitoshi/studynotes/internal/model"
)

const testMaxSize = 2 * 1024 * 1024

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), testMaxSize, http.DefaultClient)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return s
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "uploads")

	if _, err := NewStore(dir, testMaxSize, nil); err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("expected directory to exist: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}
}

func TestSave_StoresFileAndReturnsPublicPath(t *testing.T) {
	s := newTestStore(t)
	content := []byte("fake-png-bytes")

	got, err := s.Save("user-1", "me.png", "image/png", int64(len(content)), bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	// 公開パスは /uploads/{ownerID}-{epochMillis}{ext}
	pattern := regexp.MustCompile(`^/uploads/user-1-\d+\.png$`)
	if !pattern.MatchString(got) {
		t.Errorf("path = %q, want match of %s", got, pattern)
	}

	data, err := os.ReadFile(filepath.Join(s.Dir(), strings.TrimPrefix(got, URLPrefix)))
	if err != nil {
		t.Fatalf("failed to read stored file: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Error("stored content does not match upload")
	}
}

func TestSave_EmptyOwner_UsesGuest(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Save("", "x.jpg", "image/jpeg", 3, strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if !strings.HasPrefix(got, URLPrefix+"guest-") {
		t.Errorf("path = %q, want guest prefix", got)
	}
}

func TestSave_NonImageMediaType_Rejected(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("user-1", "evil.html", "text/html", 4, strings.NewReader("<x>"))
	if err == nil {
		t.Fatal("expected error for non-image media type")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUploadNotImage {
		t.Errorf("error = %v, want %s", err, model.ErrCodeUploadNotImage)
	}

	assertDirEmpty(t, s.Dir())
}

// 宣言サイズが上限を超えるアップロードは書き込み前に拒否される。
func TestSave_DeclaredSizeTooLarge_RejectedBeforeStoring(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save("user-1", "big.png", "image/png", 3*1024*1024, strings.NewReader("ignored"))
	if err == nil {
		t.Fatal("expected error for oversized upload")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUploadTooLarge {
		t.Errorf("error = %v, want %s", err, model.ErrCodeUploadTooLarge)
	}

	assertDirEmpty(t, s.Dir())
}

// 宣言サイズを偽ってもストリーム側の上限で落ち、ファイルは残らない。
func TestSave_ActualSizeTooLarge_FileRemoved(t *testing.T) {
	s, err := NewStore(t.TempDir(), 16, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	_, err = s.Save("user-1", "big.png", "image/png", 10, strings.NewReader(strings.Repeat("a", 64)))
	if err == nil {
		t.Fatal("expected error for oversized stream")
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUploadTooLarge {
		t.Errorf("error = %v, want %s", err, model.ErrCodeUploadTooLarge)
	}

	assertDirEmpty(t, s.Dir())
}

func TestMirrorAvatar_StoresRemoteImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("remote-avatar-bytes"))
	}))
	defer srv.Close()

	// テストサーバーはループバックのため、ガードなしのクライアントを使う
	s, err := NewStore(t.TempDir(), testMaxSize, srv.Client())
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	got, err := s.MirrorAvatar(context.Background(), "user-9", srv.URL+"/avatar.png")
	if err != nil {
		t.Fatalf("MirrorAvatar returned error: %v", err)
	}
	if !strings.HasPrefix(got, URLPrefix+"user-9-") || !strings.HasSuffix(got, ".png") {
		t.Errorf("path = %q, want /uploads/user-9-*.png", got)
	}
}

func TestMirrorAvatar_NonImageResponse_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	s, err := NewStore(t.TempDir(), testMaxSize, srv.Client())
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	if _, err := s.MirrorAvatar(context.Background(), "user-9", srv.URL+"/page"); err == nil {
		t.Fatal("expected error for non-image avatar response")
	}
}

func TestMirrorAvatar_ErrorStatus_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s, err := NewStore(t.TempDir(), testMaxSize, srv.Client())
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}

	if _, err := s.MirrorAvatar(context.Background(), "user-9", srv.URL+"/missing.png"); err == nil {
		t.Fatal("expected error for non-200 avatar response")
	}
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no stored files, found %d", len(entries))
	}
}
