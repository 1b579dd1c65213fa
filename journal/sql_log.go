package journal

import (
	"database/sql"
	"fmt"
	"log"
	"sync"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// SQLLog keeps the journal in a database table, either in an embedded QL
// database or in MySQL. The encoded entry is stored alongside a few columns
// which make the table easier to inspect by hand.
type SQLLog struct {
	db      *sql.DB
	dialect sqlDialect

	m      sync.Mutex // protects last
	last   uint64
	closed bool
}

var _ Log = &SQLLog{}

// queries differ between QL and MySQL in their placeholders
type sqlDialect struct {
	insert string
	scan   string
	last   string
}

var qlDialect = sqlDialect{
	insert: `INSERT INTO journal VALUES (?1, ?2, ?3, ?4, ?5)`,
	scan:   `SELECT position, payload FROM journal WHERE position >= ?1 ORDER BY position LIMIT ?2`,
	last:   `SELECT max(position) FROM journal`,
}

var mysqlDialect = sqlDialect{
	insert: `INSERT INTO journal (position, created, kind, caller, payload) VALUES (?, ?, ?, ?, ?)`,
	scan:   `SELECT position, payload FROM journal WHERE position >= ? ORDER BY position LIMIT ?`,
	last:   `SELECT max(position) FROM journal`,
}

const qlJournalInit = `
	CREATE TABLE IF NOT EXISTS journal (
		position int64,
		created time,
		kind string,
		caller string,
		payload blob
	);
	CREATE UNIQUE INDEX IF NOT EXISTS journalposition ON journal (position);
`

// scanBatch is how many rows Scan reads per query.
const scanBatch = 100

// OpenQLLog opens a journal kept in the QL database file filename. The name
// "memory" keeps the database in memory.
func OpenQLLog(filename string) (*SQLLog, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		db, err = sql.Open("ql-mem", "journal.db")
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = performExec(db, qlJournalInit)
	}
	if err != nil {
		log.Printf("Open QL journal: %s", err.Error())
		return nil, err
	}
	return newSQLLog(db, qlDialect)
}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// OpenMySQLLog connects to the MySQL database given by the DSN dial, bringing
// its schema up to date first.
func OpenMySQLLog(dial string) (*SQLLog, error) {
	cfg, err := mysql.ParseDSN(dial)
	if err != nil {
		return nil, errors.Wrap(err, "journal dsn")
	}
	cfg.ParseTime = true
	db, err := migration.OpenWith(
		"mysql",
		cfg.FormatDSN(),
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql journal: %s", err.Error())
		return nil, err
	}
	return newSQLLog(db, mysqlDialect)
}

func mysqlschema1(tx migration.LimitedTx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS journal (
		position bigint PRIMARY KEY,
		created datetime(6),
		kind varchar(32),
		caller varchar(255),
		payload longblob)`)
	return err
}

func newSQLLog(db *sql.DB, d sqlDialect) (*SQLLog, error) {
	sl := &SQLLog{db: db, dialect: d}
	var last sql.NullInt64
	if err := db.QueryRow(d.last).Scan(&last); err != nil {
		db.Close()
		return nil, err
	}
	sl.last = uint64(last.Int64)
	return sl, nil
}

func (sl *SQLLog) Append(e *Entry) error {
	payload, err := Marshal(e)
	if err != nil {
		return err
	}
	sl.m.Lock()
	defer sl.m.Unlock()
	if sl.closed {
		return ErrLogClosed
	}
	if err := checkNext(sl.last, e); err != nil {
		return err
	}
	_, err = performExec(sl.db, sl.dialect.insert,
		int64(e.Position),
		e.Timestamp,
		string(e.Operation.Kind),
		e.Caller,
		payload)
	if err != nil {
		return err
	}
	sl.last = e.Position
	return nil
}

func (sl *SQLLog) Scan(from uint64, fn func(*Entry) error) error {
	if from == 0 {
		from = 1
	}
	for {
		batch, err := sl.batch(from)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				if err == ErrStopScan {
					return nil
				}
				return err
			}
			from = e.Position + 1
		}
		if len(batch) < scanBatch {
			return nil
		}
	}
}

func (sl *SQLLog) batch(from uint64) ([]*Entry, error) {
	rows, err := sl.db.Query(sl.dialect.scan, int64(from), scanBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*Entry
	for rows.Next() {
		var pos int64
		var payload []byte
		if err := rows.Scan(&pos, &payload); err != nil {
			return nil, err
		}
		e, err := Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrCorruptLog, pos, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (sl *SQLLog) Last() (uint64, error) {
	sl.m.Lock()
	defer sl.m.Unlock()
	return sl.last, nil
}

func (sl *SQLLog) Close() error {
	sl.m.Lock()
	defer sl.m.Unlock()
	if sl.closed {
		return nil
	}
	sl.closed = true
	return sl.db.Close()
}

// performExec runs query inside a transaction. QL requires all writes to be
// inside one.
func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	result, err := tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}

// we need to adapt the migration version functions to work with MySQL.
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	var version int
	if err := tx.QueryRow(d.GetSQL).Scan(&version); err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return version, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if _, err := tx.Exec(d.SetSQL, version); err != nil {
		if _, err := tx.Exec(d.CreateSQL); err != nil {
			return err
		}
		_, err = tx.Exec(d.SetSQL, version)
		return err
	}
	return nil
}
