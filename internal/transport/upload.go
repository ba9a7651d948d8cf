package transport

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/mvalerio/chatsync/internal/token"
)

// Uploader transfers staged attachment files to the backend as multipart
// uploads, streaming the file body and reporting byte-level progress.
type Uploader struct {
	baseURL string
	httpc   *http.Client
	tokens  *token.Handler
	logger  *zap.Logger
}

// NewUploader creates an uploader for the given base URL. Uploads have no
// client-side timeout; cancellation comes from the caller's context.
func NewUploader(baseURL string, tokens *token.Handler, logger *zap.Logger) *Uploader {
	return &Uploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		tokens:  tokens,
		logger:  logger,
	}
}

// UploadFile streams the staged file to the backend and returns the remote
// URL assigned to it.
func (u *Uploader) UploadFile(ctx context.Context, stagedPath, fileName, mimeType string, progress func(float64)) (string, error) {
	tok := u.tokens.CurrentToken()
	if tok.IsZero() {
		return "", ErrNoToken
	}

	f, err := os.Open(stagedPath)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	if fileName == "" {
		fileName = filepath.Base(stagedPath)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
		header.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(header)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		reader := &progressReader{r: f, total: info.Size(), report: progress}
		if _, err := io.Copy(part, reader); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/files", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok.RawValue)

	start := time.Now()
	resp, err := u.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("upload status %d: %s", resp.StatusCode, snippet(data))
	}

	remoteURL := gjson.GetBytes(data, "file").String()
	if remoteURL == "" {
		return "", fmt.Errorf("upload response missing file url")
	}
	u.logger.Debug("file uploaded",
		zap.String("file_name", fileName),
		zap.Int64("bytes", info.Size()),
		zap.Duration("took", time.Since(start)),
	)
	return remoteURL, nil
}

// progressReader reports cumulative read progress as a fraction of total.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 && n > 0 {
		p.report(float64(p.read) / float64(p.total))
	}
	return n, err
}
