package database

import (
	"database/sql"
	"fmt"

	"drocsid-backend/internal/models"
)

func setPragmaValues(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// these next 2 extremely speed up performance of sqlite
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous = normal"); err != nil {
		return err
	}

	return nil
}

func Setup(cfg *models.ConfigFile) (*sql.DB, error) {
	var db *sql.DB
	var err error

	if cfg.SelfContained {
		db, err = sql.Open("sqlite", "./database.db")
		if err != nil {
			return db, err
		}

		// there can be sqlite busy errors if this is not set to 1
		db.SetMaxOpenConns(1)

		err = setPragmaValues(db)
		if err != nil {
			return db, err
		}
	} else {
		db, err = sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&timeout=10s", cfg.DbUser, cfg.DbPassword, cfg.DbAddress, cfg.DbPort, cfg.DbDatabase))
		if err != nil {
			return db, err
		}

		db.SetMaxOpenConns(10)
	}

	err = SetupTables(db)
	if err != nil {
		return db, err
	}

	return db, nil
}

// SetupTables creates the schema if it doesn't exist yet.
func SetupTables(db *sql.DB) error {
	var err error

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS servers (
				id VARCHAR(64) PRIMARY KEY,
				owner_id VARCHAR(64) NOT NULL,
				name VARCHAR(64) NOT NULL,
				icon TEXT
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS channels (
				id VARCHAR(80) PRIMARY KEY,
				server_id VARCHAR(64) NOT NULL,
				name VARCHAR(32) NOT NULL,
				type VARCHAR(8) NOT NULL,
				FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS server_members (
				server_id VARCHAR(64) NOT NULL,
				user_id VARCHAR(64) NOT NULL,
				since TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (server_id, user_id),
				FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS messages (
				id VARCHAR(64) PRIMARY KEY,
				channel_id VARCHAR(80) NOT NULL,
				author_id VARCHAR(64) NOT NULL,
				author_nickname VARCHAR(32) NOT NULL,
				author_avatar TEXT,
				content TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	return nil
}
