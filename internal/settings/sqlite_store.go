package settings

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryanchriswhite/switchr/internal/logger"
	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Setting is one persisted key/value row
type Setting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// SQLiteStore persists settings in a SQLite database through gorm
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens the database at path, creating the schema if needed
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		p, err := DefaultPath("settings.db")
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create settings directory")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open settings database")
	}

	if err := db.AutoMigrate(&Setting{}); err != nil {
		return nil, errors.Wrap(err, "failed to initialize settings schema")
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(key string) (string, bool) {
	var row Setting
	result := s.db.Where("`key` = ?", normalizeKey(key)).Limit(1).Find(&row)
	if result.Error != nil {
		logger.WithComponent("settings").Warn().Err(result.Error).Str("key", key).Msg("Failed to read setting")
		return "", false
	}
	if result.RowsAffected == 0 {
		return "", false
	}
	return row.Value, true
}

func (s *SQLiteStore) Set(key, value string) error {
	key = normalizeKey(key)
	if key == "" {
		return errors.New("empty settings key")
	}
	row := Setting{Key: key, Value: value, UpdatedAt: time.Now()}
	if result := s.db.Save(&row); result.Error != nil {
		return errors.Wrap(result.Error, "failed to save setting")
	}
	return nil
}

func (s *SQLiteStore) List(prefix string) map[string]string {
	var rows []Setting
	pattern := escapeLike(normalizeKey(prefix)) + "%"
	if result := s.db.Where("`key` LIKE ? ESCAPE '\\'", pattern).Order("`key`").Find(&rows); result.Error != nil {
		logger.WithComponent("settings").Warn().Err(result.Error).Str("prefix", prefix).Msg("Failed to list settings")
		return map[string]string{}
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out
}

// Close releases the underlying connection
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying sql.DB")
	}
	return sqlDB.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
