package storage

import (
	"time"

	"github.com/getevo/evo/v2"
	"github.com/getevo/evo/v2/lib/log"
	"github.com/getevo/evo/v2/lib/settings"
)

var attachments *Attachments

// Default returns the attachment store of the process
func Default() *Attachments {
	return attachments
}

// App represents the storage application
type App struct{}

// Register selects the backend. S3 is used when enabled and configured,
// otherwise files are kept on disk.
func (app App) Register() error {
	attachments = NewAttachments(newBackend())
	log.Info("Attachment storage: %s", attachments.Backend().Name())
	return nil
}

func newBackend() Backend {
	if settings.Get("S3.ENABLED", false).Bool() {
		expiry, err := settings.Get("S3.URL_EXPIRY", "168h").Duration()
		if err != nil {
			expiry = 7 * 24 * time.Hour
		}
		backend, err := NewS3Backend(S3Config{
			Bucket:    settings.Get("S3.BUCKET").String(),
			Endpoint:  settings.Get("S3.ENDPOINT").String(),
			Region:    settings.Get("S3.REGION", "us-east-1").String(),
			AccessKey: settings.Get("S3.ACCESS_KEY").String(),
			SecretKey: settings.Get("S3.SECRET_KEY").String(),
			PublicURL: settings.Get("S3.PUBLIC_URL").String(),
			URLExpiry: expiry,
		})
		if err == nil {
			return backend
		}
		log.Warning("Failed to initialize S3 storage, falling back to disk: %v", err)
	}
	return NewDiskBackend(
		settings.Get("STORAGE.PATH", "uploads").String(),
		settings.Get("APP.PUBLIC_URL").String(),
	)
}

// Router serves disk stored attachments
func (app App) Router() error {
	if disk, ok := attachments.Backend().(*DiskBackend); ok {
		evo.GetFiber().Static("/uploads", disk.root)
	}
	return nil
}

func (app App) WhenReady() error {
	return nil
}

func (app App) Name() string {
	return "storage"
}
