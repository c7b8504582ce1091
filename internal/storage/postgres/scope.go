package postgres

import (
	"gorm.io/gorm"
)

// LanguageScope filters runs by language. An empty language matches all.
func LanguageScope(language string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if language == "" {
			return db
		}
		return db.Where("language = ?", language)
	}
}

// FailedScope keeps only runs that did not succeed.
func FailedScope(failed bool) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if !failed {
			return db
		}
		return db.Where("state <> ?", "succeeded")
	}
}
