package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// synchronous=FULL gives the write-ahead guarantee the event log needs: an
// append only returns once the page hit disk.
const connOptions = "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

const schema = `
CREATE TABLE IF NOT EXISTS swaps (
	swap_id TEXT PRIMARY KEY,
	params BLOB NOT NULL,
	role INTEGER NOT NULL,
	counter_party TEXT NOT NULL,
	invoice TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	swap_id TEXT NOT NULL,
	seq_no INTEGER NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (swap_id, seq_no)
);

CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	base TEXT NOT NULL,
	quote TEXT NOT NULL,
	position INTEGER NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	maker TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
`

// OpenDb opens (and if needed creates) the sqlite database backing all
// repositories.
func OpenDb(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+connOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db at %s: %s", dbPath, err)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY on concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %s", err)
	}
	return db, nil
}
