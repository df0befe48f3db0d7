package swap

import (
	"database/sql"
	"errors"
	"fmt"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDevice keeps swapped pages as rows of a SQLite table. Slots that were
// never written read back as zeros.
type SQLiteDevice struct {
	*sql.DB

	insert *sql.Stmt
	query  *sql.Stmt
}

// OpenSQLiteDevice opens the database at path, which may be ":memory:", and
// prepares the swap table.
func OpenSQLiteDevice(path string) (*SQLiteDevice, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("swap: open %s: %w", path, err)
	}

	// A memory database lives in a single connection.
	db.SetMaxOpenConns(1)

	d := &SQLiteDevice{DB: db}

	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

func (d *SQLiteDevice) init() error {
	_, err := d.Exec(`CREATE TABLE IF NOT EXISTS swap (
	slot INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);`)
	if err != nil {
		return fmt.Errorf("swap: create table: %w", err)
	}

	d.insert, err = d.Prepare(
		`INSERT OR REPLACE INTO swap (slot, data) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("swap: prepare insert: %w", err)
	}

	d.query, err = d.Prepare(`SELECT data FROM swap WHERE slot = ?`)
	if err != nil {
		return fmt.Errorf("swap: prepare query: %w", err)
	}

	return nil
}

// SwapWrite stores buf in slot.
func (d *SQLiteDevice) SwapWrite(buf []byte, slot int) error {
	if err := checkTransfer(buf, slot, 0); err != nil {
		return err
	}

	if _, err := d.insert.Exec(slot, buf); err != nil {
		return fmt.Errorf("swap: write slot %d: %w", slot, err)
	}

	return nil
}

// SwapRead loads slot into buf.
func (d *SQLiteDevice) SwapRead(buf []byte, slot int) error {
	if err := checkTransfer(buf, slot, 0); err != nil {
		return err
	}

	var data []byte

	err := d.query.QueryRow(slot).Scan(&data)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		clear(buf)
		return nil
	case err != nil:
		return fmt.Errorf("swap: read slot %d: %w", slot, err)
	}

	copy(buf, data)

	return nil
}

// Close releases the statements and the database.
func (d *SQLiteDevice) Close() error {
	d.insert.Close()
	d.query.Close()

	return d.DB.Close()
}
