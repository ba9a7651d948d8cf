package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestUploadFile(t *testing.T) {
	var gotName, gotMime, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = f.Close() }()
		gotName = header.Filename
		gotMime = header.Header.Get("Content-Type")
		data, _ := io.ReadAll(f)
		gotContent = string(data)
		_, _ = w.Write([]byte(`{"file": "https://cdn.example.com/f1"}`))
	}))
	defer srv.Close()

	staged := filepath.Join(t.TempDir(), "staged.jpg")
	if err := os.WriteFile(staged, []byte("jpeg bytes"), 0600); err != nil {
		t.Fatal(err)
	}

	var fractions []float64
	u := NewUploader(srv.URL, testTokens(t), zap.NewNop())
	remoteURL, err := u.UploadFile(context.Background(), staged, "photo.jpg", "image/jpeg", func(f float64) {
		fractions = append(fractions, f)
	})
	if err != nil {
		t.Fatal(err)
	}

	if remoteURL != "https://cdn.example.com/f1" {
		t.Errorf("remote url = %s", remoteURL)
	}
	if gotName != "photo.jpg" || gotMime != "image/jpeg" || gotContent != "jpeg bytes" {
		t.Errorf("received name=%s mime=%s content=%q", gotName, gotMime, gotContent)
	}
	if len(fractions) == 0 || fractions[len(fractions)-1] != 1.0 {
		t.Errorf("progress = %v, want final 1.0", fractions)
	}
}

func TestUploadFileErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	staged := filepath.Join(t.TempDir(), "staged.bin")
	if err := os.WriteFile(staged, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	u := NewUploader(srv.URL, testTokens(t), zap.NewNop())
	if _, err := u.UploadFile(context.Background(), staged, "f.bin", "", nil); err == nil {
		t.Fatal("want error for 413 response")
	}
}
