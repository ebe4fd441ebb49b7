package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/getevo/evo/v2/lib/log"
	"github.com/google/uuid"
	"github.com/iesreza/homa-inbox/lib/media"
	"github.com/iesreza/homa-inbox/lib/response"
)

// MaxAttachmentSize caps a decoded reply attachment
const MaxAttachmentSize = 16 << 20

const previewSide = 320

var (
	ErrAttachmentTooLarge = response.NewError(response.ErrorCodeInvalidInput, "Attachment exceeds the size limit", http.StatusRequestEntityTooLarge)
	ErrInvalidAttachment  = response.NewError(response.ErrorCodeInvalidInput, "Attachment must be a base64 data URL", http.StatusBadRequest)
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Backend persists objects and returns a URL providers can fetch
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Attachment is a stored reply attachment
type Attachment struct {
	URL        string `json:"url"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Size       int    `json:"size"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// Attachments stores agent uploads on a backend
type Attachments struct {
	backend Backend
}

func NewAttachments(backend Backend) *Attachments {
	return &Attachments{backend: backend}
}

// Backend returns the backend in use
func (a *Attachments) Backend() Backend {
	return a.backend
}

// SaveDataURL decodes and stores an attachment sent inline by the agent.
// Images also get a downscaled preview next to the original.
func (a *Attachments) SaveDataURL(ctx context.Context, tenantID uint, name, dataURL string) (*Attachment, error) {
	data, mediaType, err := media.ParseDataURL(dataURL)
	if err != nil {
		return nil, ErrInvalidAttachment
	}
	if len(data) == 0 {
		return nil, ErrInvalidAttachment
	}
	if len(data) > MaxAttachmentSize {
		return nil, ErrAttachmentTooLarge
	}

	name = SanitizeName(name)
	prefix := fmt.Sprintf("tenants/%d/%s", tenantID, uuid.NewString())

	url, err := a.backend.Put(ctx, prefix+"/"+name, data, mediaType)
	if err != nil {
		return nil, err
	}
	attachment := &Attachment{URL: url, Type: mediaType, Name: name, Size: len(data)}

	if media.IsImage(mediaType) {
		preview, err := media.Preview(data, previewSide)
		switch {
		case errors.Is(err, media.ErrNotImage):
		case err != nil:
			log.Warning("storage: preview of %s failed: %v", name, err)
		default:
			if previewURL, err := a.backend.Put(ctx, prefix+"/preview.jpg", preview, "image/jpeg"); err == nil {
				attachment.PreviewURL = previewURL
			} else {
				log.Warning("storage: failed to store preview of %s: %v", name, err)
			}
		}
	}
	return attachment, nil
}

// SanitizeName keeps a file name safe for object keys and paths
func SanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeName.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "attachment"
	}
	if len(name) > 120 {
		name = name[len(name)-120:]
	}
	return name
}
