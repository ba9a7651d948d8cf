package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mvalerio/chatsync/internal/store"
)

// Stage copies the local file into the staging directory so the upload
// survives the caller deleting or moving the original. The staged name is
// derived from the attachment identity, so restaging overwrites in place.
func Stage(stagingDir string, id store.AttachmentID, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = src.Close() }()

	staged := filepath.Join(stagingDir, stagedName(id, localPath))
	dst, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(staged)
		return "", fmt.Errorf("copy to staging: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(staged)
		return "", err
	}
	return staged, nil
}

// RemoveStaged deletes a staged copy. Missing files are not an error; the
// upload may have been cleaned up by a previous run.
func RemoveStaged(path string) error {
	if path == "" {
		return nil
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func stagedName(id store.AttachmentID, localPath string) string {
	base := fmt.Sprintf("%s-%s-%d%s", id.ChannelCID, id.MsgID, id.Index, filepath.Ext(localPath))
	return sanitize(base)
}

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

func sanitize(name string) string {
	return nameReplacer.Replace(name)
}
