package catalog

import (
	"database/sql"
	"fmt"

	"github.com/elwinar/bowkin"
	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the version of the SQLite schema, kept in the
// user_version pragma of the database.
//
// Version 1 is the libcs table of the first catalogs, without a user_version:
// relpath, architecture, distro, release, version, patch, buildID.
// Version 2 is the libc_records table, which adds the kind of the file and
// keys records by location.
const schemaVersion = 2

// SQLiteStore keeps the records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// compile-time check that the SQLiteStore actually implements the Store
// interface.
var _ Store = new(SQLiteStore)

// NewSQLiteStore opens the database at path, creating or migrating its schema
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Transactions take the write lock when they begin, so concurrent
	// migrations are serialized instead of failing on a busy database.
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, wrap(err, "opening database")
	}

	// Enable WAL mode so readers aren't blocked by a rebuild's
	// transaction.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, wrap(err, "enabling WAL mode")
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, wrap(err, "migrating schema")
	}

	return &SQLiteStore{db: db}, nil
}

const createRecordsTable = `
	CREATE TABLE IF NOT EXISTS libc_records (
		location TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		architecture TEXT NOT NULL,
		distro TEXT NOT NULL DEFAULT '',
		release TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL,
		patch TEXT NOT NULL DEFAULT '',
		build_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_libc_records_build_id ON libc_records(build_id);
`

// migrate brings the schema of the database to schemaVersion, in a single
// transaction.
//
// Readers open the store too, so several processes may try to migrate the
// same database at once. The version is read again once the transaction
// holds the write lock, and only the first one does the work.
func migrate(db *sql.DB) error {
	version, err := schemaVersionOf(db)
	if err != nil {
		return err
	}
	if version == schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	version, err = schemaVersionOf(tx)
	if err != nil {
		return err
	}
	if version == schemaVersion {
		return nil
	}

	// Catalogs created before the schema was versioned have a libcs
	// table and no user_version.
	if version == 0 {
		var count int
		err = tx.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'libcs'`).Scan(&count)
		if err != nil {
			return wrap(err, "looking for version 1 table")
		}
		if count != 0 {
			version = 1
		}
	}

	switch version {
	case 0:
		_, err = tx.Exec(createRecordsTable)
		if err != nil {
			return wrap(err, "creating schema")
		}

	case 1:
		_, err = tx.Exec(createRecordsTable)
		if err != nil {
			return wrap(err, "creating schema")
		}

		// Only libcs were indexed by version 1.
		_, err = tx.Exec(`
			INSERT OR IGNORE INTO libc_records (location, kind, architecture, distro, release, version, patch, build_id)
			SELECT relpath, 'libc', architecture, COALESCE(distro, ''), COALESCE(release, ''), version, COALESCE(patch, ''), COALESCE(buildID, '')
			FROM libcs
		`)
		if err != nil {
			return wrap(err, "copying version 1 records")
		}

		_, err = tx.Exec(`DROP TABLE libcs`)
		if err != nil {
			return wrap(err, "dropping version 1 table")
		}
	}

	// Pragmas don't accept bound parameters.
	_, err = tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
	if err != nil {
		return wrap(err, "writing schema version")
	}

	return tx.Commit()
}

type queryRower interface {
	QueryRow(query string, args ...interface{}) *sql.Row
}

// schemaVersionOf reads the user_version pragma.
func schemaVersionOf(q queryRower) (int, error) {
	var version int
	err := q.QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		return 0, wrap(err, "reading schema version")
	}
	if version > schemaVersion {
		return 0, fmt.Errorf("schema version %d is newer than supported version %d", version, schemaVersion)
	}
	return version, nil
}

// Replace implements Store. The records are replaced in a single transaction.
func (s *SQLiteStore) Replace(records []bowkin.LibcRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrap(err, "starting transaction")
	}
	defer tx.Rollback()

	_, err = tx.Exec(`DELETE FROM libc_records`)
	if err != nil {
		return wrap(err, "clearing records")
	}

	stmt, err := tx.Prepare(`
		INSERT INTO libc_records (location, kind, architecture, distro, release, version, patch, build_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return wrap(err, "preparing insert")
	}
	defer stmt.Close()

	for _, r := range records {
		_, err = stmt.Exec(r.Location, r.Kind, r.Architecture, r.Distro, r.Release, r.Version, r.Patch, r.BuildID)
		if err != nil {
			return wrap(err, "inserting record %s", r.Location)
		}
	}

	err = tx.Commit()
	if err != nil {
		return wrap(err, "committing records")
	}
	return nil
}

const selectRecords = `
	SELECT location, kind, architecture, distro, release, version, patch, build_id
	FROM libc_records
`

// QueryByBuildID implements Store.
func (s *SQLiteStore) QueryByBuildID(id string) ([]bowkin.LibcRecord, error) {
	if id == "" {
		return nil, nil
	}

	var records []bowkin.LibcRecord
	err := s.query(func(r bowkin.LibcRecord) error {
		records = append(records, r)
		return nil
	}, selectRecords+` WHERE build_id = ? ORDER BY location`, id)
	if err != nil {
		return nil, wrap(err, "searching for build-id %s", id)
	}
	return records, nil
}

// Each implements Store.
func (s *SQLiteStore) Each(fn func(bowkin.LibcRecord) error) error {
	return s.query(fn, selectRecords+` ORDER BY location`)
}

func (s *SQLiteStore) query(fn func(bowkin.LibcRecord) error, query string, args ...interface{}) error {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return wrap(err, "querying records")
	}
	defer rows.Close()

	for rows.Next() {
		var r bowkin.LibcRecord
		err := rows.Scan(&r.Location, &r.Kind, &r.Architecture, &r.Distro, &r.Release, &r.Version, &r.Patch, &r.BuildID)
		if err != nil {
			return wrap(err, "scanning record")
		}

		err = fn(r)
		if err != nil {
			return err
		}
	}

	return rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
