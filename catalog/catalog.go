// Package catalog exports built collector tables into a SQLite database so
// a manifest can be audited with plain SQL: which types are subtypes of
// which, which stamps are forbidden and why, who owns each root.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/stampgc/dispatch"
	"github.com/chazu/stampgc/gcmeta"
	"github.com/chazu/stampgc/layout"
	"github.com/chazu/stampgc/roots"
	"github.com/chazu/stampgc/stamp"
)

var log = commonlog.GetLogger("stampgc.catalog")

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	id          TEXT PRIMARY KEY,
	version     TEXT NOT NULL,
	max_stamp   INTEGER NOT NULL,
	exported_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS types (
	build                TEXT NOT NULL,
	stamp                INTEGER NOT NULL,
	name                 TEXT NOT NULL,
	kind                 TEXT NOT NULL,
	size                 INTEGER NOT NULL,
	parent               INTEGER,
	range_low            INTEGER,
	range_high           INTEGER,
	shape_marker         INTEGER NOT NULL,
	multiple_inheritance INTEGER NOT NULL,
	PRIMARY KEY (build, stamp)
);
CREATE TABLE IF NOT EXISTS secondary_bases (
	build TEXT NOT NULL,
	stamp INTEGER NOT NULL,
	base  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fields (
	build       TEXT NOT NULL,
	stamp       INTEGER NOT NULL,
	byte_offset INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL,
	hidden      INTEGER NOT NULL,
	element     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS regions (
	build             TEXT NOT NULL,
	stamp             INTEGER NOT NULL,
	data_start        INTEGER NOT NULL,
	count_slot        INTEGER NOT NULL,
	stride            INTEGER NOT NULL,
	elements_per_unit INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dispatch (
	build  TEXT NOT NULL,
	stamp  INTEGER NOT NULL,
	op     TEXT NOT NULL,
	tag    TEXT,
	reason TEXT
);
CREATE TABLE IF NOT EXISTS roots (
	build TEXT NOT NULL,
	slot  INTEGER NOT NULL,
	owner TEXT NOT NULL,
	name  TEXT NOT NULL,
	kind  TEXT NOT NULL
);
`

// Catalog is an open export database.
type Catalog struct {
	db   *sql.DB
	path string
}

// Open opens or creates the catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Catalog{db: db, path: path}, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

var buildTables = []string{"builds", "types", "secondary_bases", "fields", "regions", "dispatch", "roots"}

func nullStamp(s stamp.Stamp) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(s), Valid: s != stamp.Null}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Export writes every table of t under its build id, replacing an earlier
// export of the same build.
func (c *Catalog) Export(ctx context.Context, t *gcmeta.Tables, version string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning export: %w", err)
	}
	defer tx.Rollback()

	build := t.BuildID.String()
	for _, table := range buildTables {
		col := "build"
		if table == "builds" {
			col = "id"
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+col+" = ?", build); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO builds (id, version, max_stamp, exported_at) VALUES (?, ?, ?, ?)",
		build, version, int64(t.Registry.MaxStamp()), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("saving build: %w", err)
	}

	var exportErr error
	t.Registry.Each(func(td *stamp.TypeDescriptor) {
		if exportErr == nil {
			exportErr = exportType(ctx, tx, build, t, td)
		}
	})
	if exportErr != nil {
		return exportErr
	}

	err = t.ForEachRoot(func(e roots.Entry) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO roots (build, slot, owner, name, kind) VALUES (?, ?, ?, ?, ?)",
			build, int64(e.Slot), e.Owner, e.Name, e.Kind.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("saving roots: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing export: %w", err)
	}
	log.Infof("exported build %s to %s", build, c.path)
	return nil
}

func exportType(ctx context.Context, tx *sql.Tx, build string, t *gcmeta.Tables, td *stamp.TypeDescriptor) error {
	var low, high sql.NullInt64
	if td.HasRange {
		low, high = nullStamp(td.Range.Low), nullStamp(td.Range.High)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO types (build, stamp, name, kind, size, parent, range_low, range_high, shape_marker, multiple_inheritance)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		build, int64(td.Stamp), td.Name, td.Kind.String(), int64(td.Size), nullStamp(td.Parent),
		low, high, boolInt(td.ShapeMarker), boolInt(td.MultipleInheritance),
	); err != nil {
		return fmt.Errorf("saving type %q: %w", td.Name, err)
	}
	for _, base := range td.Secondary {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO secondary_bases (build, stamp, base) VALUES (?, ?, ?)",
			build, int64(td.Stamp), int64(base)); err != nil {
			return fmt.Errorf("saving secondary base of %q: %w", td.Name, err)
		}
	}

	l, err := t.Layouts.Get(td.Stamp)
	if err != nil {
		return err
	}
	insertField := func(f layout.Field, element bool) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO fields (build, stamp, byte_offset, kind, name, hidden, element) VALUES (?, ?, ?, ?, ?, ?, ?)",
			build, int64(td.Stamp), int64(f.Offset), f.Kind.String(), f.Name, boolInt(f.Hidden), boolInt(element))
		return err
	}
	for _, f := range l.Fields {
		if err := insertField(f, false); err != nil {
			return fmt.Errorf("saving field %s.%s: %w", td.Name, f.Name, err)
		}
	}
	if r := l.Region; r != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO regions (build, stamp, data_start, count_slot, stride, elements_per_unit) VALUES (?, ?, ?, ?, ?, ?)",
			build, int64(td.Stamp), int64(r.DataStart), int64(r.CountSlot), int64(r.Stride), int64(r.ElementsPerUnit),
		); err != nil {
			return fmt.Errorf("saving region of %q: %w", td.Name, err)
		}
		if err := insertField(r.Element, true); err != nil {
			return fmt.Errorf("saving element of %q: %w", td.Name, err)
		}
	}

	for op, tbl := range map[string]interface {
		Entry(stamp.Stamp) (dispatch.Entry, error)
	}{"finalize": t.Finalizers, "deallocate": t.Deallocators} {
		e, err := tbl.Entry(td.Stamp)
		if err != nil {
			return err
		}
		var tag, reason sql.NullString
		if e.Action.Forbidden {
			reason = sql.NullString{String: e.Action.Reason.String(), Valid: true}
		} else {
			tag = sql.NullString{String: string(e.Action.Tag), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO dispatch (build, stamp, op, tag, reason) VALUES (?, ?, ?, ?, ?)",
			build, int64(td.Stamp), op, tag, reason); err != nil {
			return fmt.Errorf("saving %s entry of %q: %w", op, td.Name, err)
		}
	}
	return nil
}

// Builds returns the exported build ids, oldest export first.
func (c *Catalog) Builds(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT id FROM builds ORDER BY exported_at, id")
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("build id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subtypes returns the names of every type in the subtree of name, itself
// included, answered by the same range comparison the collector uses.
func (c *Catalog) Subtypes(ctx context.Context, build uuid.UUID, name string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT t.name FROM types t
		JOIN types b ON b.build = t.build AND b.name = ?
		WHERE t.build = ? AND t.stamp BETWEEN b.range_low AND b.range_high
		ORDER BY t.stamp`, name, build.String())
	if err != nil {
		return nil, fmt.Errorf("querying subtypes: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// Forbidden describes one forbidden dispatch entry.
type Forbidden struct {
	Stamp  stamp.Stamp
	Name   string
	Reason string
}

// ForbiddenEntries lists the stamps whose op ("finalize" or "deallocate")
// entry is forbidden.
func (c *Catalog) ForbiddenEntries(ctx context.Context, build uuid.UUID, op string) ([]Forbidden, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT d.stamp, t.name, d.reason FROM dispatch d
		JOIN types t ON t.build = d.build AND t.stamp = d.stamp
		WHERE d.build = ? AND d.op = ? AND d.reason IS NOT NULL
		ORDER BY d.stamp`, build.String(), op)
	if err != nil {
		return nil, fmt.Errorf("querying dispatch: %w", err)
	}
	defer rows.Close()

	var out []Forbidden
	for rows.Next() {
		var f Forbidden
		var s int64
		if err := rows.Scan(&s, &f.Name, &f.Reason); err != nil {
			return nil, err
		}
		f.Stamp = stamp.Stamp(s)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RootOwners returns "owner.name" for every root of build in slot order.
func (c *Catalog) RootOwners(ctx context.Context, build uuid.UUID) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT owner || '.' || name FROM roots WHERE build = ? ORDER BY slot", build.String())
	if err != nil {
		return nil, fmt.Errorf("querying roots: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
