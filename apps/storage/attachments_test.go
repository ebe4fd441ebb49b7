package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngDataURL(t *testing.T, w, h int) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSaveDataURLStoresImageWithPreview(t *testing.T) {
	root := t.TempDir()
	store := NewAttachments(NewDiskBackend(root, "https://inbox.example.com/"))

	attachment, err := store.SaveDataURL(context.Background(), 7, "../photo one.png", pngDataURL(t, 800, 400))
	require.NoError(t, err)

	assert.Equal(t, "image/png", attachment.Type)
	assert.Equal(t, "photo_one.png", attachment.Name)
	assert.True(t, strings.HasPrefix(attachment.URL, "https://inbox.example.com/uploads/tenants/7/"))
	assert.True(t, strings.HasSuffix(attachment.URL, "/photo_one.png"))
	require.NotEmpty(t, attachment.PreviewURL)

	key := strings.TrimPrefix(attachment.URL, "https://inbox.example.com/uploads/")
	stored, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, attachment.Size, len(stored))

	previewKey := strings.TrimPrefix(attachment.PreviewURL, "https://inbox.example.com/uploads/")
	_, err = os.Stat(filepath.Join(root, filepath.FromSlash(previewKey)))
	assert.NoError(t, err)
}

func TestSaveDataURLPlainFile(t *testing.T) {
	store := NewAttachments(NewDiskBackend(t.TempDir(), ""))
	data := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))

	attachment, err := store.SaveDataURL(context.Background(), 1, "notes.txt", data)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", attachment.Type)
	assert.Equal(t, 5, attachment.Size)
	assert.Empty(t, attachment.PreviewURL)
}

func TestSaveDataURLRejectsInvalid(t *testing.T) {
	store := NewAttachments(NewDiskBackend(t.TempDir(), ""))

	_, err := store.SaveDataURL(context.Background(), 1, "a.txt", "not a data url")
	assert.True(t, errors.Is(err, ErrInvalidAttachment))

	_, err = store.SaveDataURL(context.Background(), 1, "a.txt", "data:text/plain;base64,")
	assert.True(t, errors.Is(err, ErrInvalidAttachment))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "report.pdf", SanitizeName("report.pdf"))
	assert.Equal(t, "passwd", SanitizeName("../../etc/passwd"))
	assert.Equal(t, "a_b.txt", SanitizeName("C:\\docs\\a b.txt"))
	assert.Equal(t, "attachment", SanitizeName(".."))
	assert.Equal(t, "attachment", SanitizeName(""))
}
