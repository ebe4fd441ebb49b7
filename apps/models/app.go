package models

import (
	"github.com/getevo/evo/v2/lib/args"
	"github.com/getevo/evo/v2/lib/db"
	"gorm.io/gorm"
)

type App struct{}

// All lists every inbox model in migration order
func All() []interface{} {
	return []interface{}{
		Integration{},
		Conversation{},
		Message{},
		ReleaseHistoryEntry{},
		LiveSession{},
		ScheduledCall{},
		ScheduledMeeting{},
	}
}

// Conn returns a fresh session on the shared connection for services that
// take an explicit *gorm.DB
func Conn() *gorm.DB {
	return db.Model(nil).Session(&gorm.Session{NewDB: true})
}

func (a App) Register() error {
	// auth models are registered in the auth app
	for _, model := range All() {
		db.UseModel(model)
	}
	return nil
}

func (a App) Router() error {
	return nil
}

func (a App) WhenReady() error {
	if args.Exists("--migration-do") {
		err := db.DoMigration()
		if err != nil {
			return err
		}
	}
	return nil
}

func (a App) Name() string {
	return "models"
}
