package queue

import "fmt"

// schemaFor returns the DDL creating the engine tables for the given
// driver. The statements are idempotent so Open can run them on every
// start; recovery after a crash is therefore just reopening the store.
func schemaFor(driver, prefix string) ([]string, error) {
	var serial, blob string
	switch driver {
	case "sqlite3":
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		blob = "BLOB"
	case "mysql":
		serial = "BIGINT PRIMARY KEY AUTO_INCREMENT"
		blob = "LONGBLOB"
	case "postgres":
		serial = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; Open swallows its
	// duplicate-key-name error instead.
	indexClause := "CREATE INDEX IF NOT EXISTS"
	if driver == "mysql" {
		indexClause = "CREATE INDEX"
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %squeues (
			name VARCHAR(255) NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (name)
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %smessages (
			seq %s,
			queue VARCHAR(255) NOT NULL,
			subqueue VARCHAR(64) NOT NULL DEFAULT '',
			message_id VARCHAR(64) NOT NULL,
			headers TEXT NOT NULL,
			payload %s NOT NULL,
			enqueued_at BIGINT NOT NULL
		)`, prefix, serial, blob),
		fmt.Sprintf(`%s idx_%smessages_head
			ON %smessages (queue, subqueue, seq)`, indexClause, prefix, prefix),
		fmt.Sprintf(`%s idx_%smessages_id
			ON %smessages (message_id)`, indexClause, prefix, prefix),
	}, nil
}
