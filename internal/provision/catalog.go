package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of a pgx connection used for catalog reads and DDL.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type sequenceDef struct {
	Name      string
	DataType  string
	Start     int64
	Increment int64
	Min       int64
	Max       int64
	Cache     int64
	Cycle     bool
}

type columnDef struct {
	Table     string
	Name      string
	DataType  string
	NotNull   bool
	Default   *string
	Identity  string
	Generated string
}

type constraintDef struct {
	Table           string
	Name            string
	Type            string
	Definition      string
	ReferenceSchema string
}

type indexDef struct {
	Name       string
	Definition string
}

type ownedSequence struct {
	Sequence string
	Table    string
	Column   string
}

// catalog is a snapshot of the objects in one schema that the clone cares about.
type catalog struct {
	schema      string
	sequences   []sequenceDef
	tables      []string
	columns     []columnDef
	constraints []constraintDef
	indexes     []indexDef
	owned       []ownedSequence
}

// relations returns the names of every relation (table, sequence, index) in the schema.
func relations(ctx context.Context, q querier, schema string) (map[string]bool, error) {
	rows, err := q.Query(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations in %s: %w", schema, err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list relations in %s: %w", schema, err)
	}

	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set, nil
}

// constraintNames returns table/constraint keys for every constraint in the schema.
func constraintNames(ctx context.Context, q querier, schema string) (map[string]bool, error) {
	rows, err := q.Query(ctx, `
		SELECT t.relname || '/' || con.conname
		FROM pg_catalog.pg_constraint con
		JOIN pg_catalog.pg_class t ON t.oid = con.conrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = $1`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints in %s: %w", schema, err)
	}

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list constraints in %s: %w", schema, err)
	}

	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set, nil
}

func readSequences(ctx context.Context, q querier, schema string) ([]sequenceDef, error) {
	// identity sequences are created along with their table
	rows, err := q.Query(ctx, `
		SELECT c.relname, pg_catalog.format_type(s.seqtypid, NULL),
		       s.seqstart, s.seqincrement, s.seqmin, s.seqmax, s.seqcache, s.seqcycle
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_catalog.pg_sequence s ON s.seqrelid = c.oid
		WHERE n.nspname = $1
		  AND c.relkind = 'S'
		  AND NOT EXISTS (
		      SELECT 1 FROM pg_catalog.pg_depend d
		      WHERE d.classid = 'pg_catalog.pg_class'::regclass
		        AND d.objid = c.oid AND d.deptype = 'i')
		ORDER BY c.relname`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequences: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[sequenceDef])
}

func readTables(ctx context.Context, q querier, schema string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r'
		ORDER BY c.relname`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read tables: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func readColumns(ctx context.Context, q querier, schema string) ([]columnDef, error) {
	rows, err := q.Query(ctx, `
		SELECT c.relname, a.attname,
		       pg_catalog.format_type(a.atttypid, a.atttypmod),
		       a.attnotnull,
		       pg_catalog.pg_get_expr(ad.adbin, ad.adrelid),
		       a.attidentity::text,
		       a.attgenerated::text
		FROM pg_catalog.pg_attribute a
		JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_catalog.pg_attrdef ad ON ad.adrelid = a.attrelid AND ad.adnum = a.attnum
		WHERE n.nspname = $1 AND c.relkind = 'r' AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY c.relname, a.attnum`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[columnDef])
}

func readConstraints(ctx context.Context, q querier, schema string) ([]constraintDef, error) {
	// not-null constraints travel with LIKE, foreign keys go last
	rows, err := q.Query(ctx, `
		SELECT t.relname, con.conname, con.contype::text,
		       pg_catalog.pg_get_constraintdef(con.oid),
		       COALESCE(rn.nspname, '')
		FROM pg_catalog.pg_constraint con
		JOIN pg_catalog.pg_class t ON t.oid = con.conrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		LEFT JOIN pg_catalog.pg_class rt ON rt.oid = con.confrelid
		LEFT JOIN pg_catalog.pg_namespace rn ON rn.oid = rt.relnamespace
		WHERE n.nspname = $1 AND t.relkind = 'r' AND con.contype IN ('p', 'u', 'x', 'c', 'f')
		ORDER BY CASE con.contype WHEN 'f' THEN 1 ELSE 0 END, t.relname, con.conname`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read constraints: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[constraintDef])
}

func readIndexes(ctx context.Context, q querier, schema string) ([]indexDef, error) {
	// indexes backing a key or exclusion constraint are created by the constraint
	rows, err := q.Query(ctx, `
		SELECT i.relname, pg_catalog.pg_get_indexdef(i.oid)
		FROM pg_catalog.pg_index x
		JOIN pg_catalog.pg_class i ON i.oid = x.indexrelid
		JOIN pg_catalog.pg_class t ON t.oid = x.indrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = t.relnamespace
		WHERE n.nspname = $1 AND t.relkind = 'r'
		  AND NOT EXISTS (
		      SELECT 1 FROM pg_catalog.pg_constraint con
		      WHERE con.conindid = x.indexrelid AND con.contype IN ('p', 'u', 'x'))
		ORDER BY i.relname`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexes: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[indexDef])
}

func readOwnedSequences(ctx context.Context, q querier, schema string) ([]ownedSequence, error) {
	rows, err := q.Query(ctx, `
		SELECT s.relname, t.relname, a.attname
		FROM pg_catalog.pg_depend d
		JOIN pg_catalog.pg_class s ON s.oid = d.objid
		JOIN pg_catalog.pg_namespace n ON n.oid = s.relnamespace
		JOIN pg_catalog.pg_class t ON t.oid = d.refobjid
		JOIN pg_catalog.pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
		WHERE n.nspname = $1 AND s.relkind = 'S' AND d.deptype = 'a'
		  AND d.classid = 'pg_catalog.pg_class'::regclass
		ORDER BY s.relname`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence ownership: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[ownedSequence])
}

// readCatalog snapshots the template schema.
func readCatalog(ctx context.Context, q querier, schema string) (*catalog, error) {
	var (
		cat = &catalog{schema: schema}
		err error
	)

	if cat.sequences, err = readSequences(ctx, q, schema); err != nil {
		return nil, err
	}
	if cat.tables, err = readTables(ctx, q, schema); err != nil {
		return nil, err
	}
	if cat.columns, err = readColumns(ctx, q, schema); err != nil {
		return nil, err
	}
	if cat.constraints, err = readConstraints(ctx, q, schema); err != nil {
		return nil, err
	}
	if cat.indexes, err = readIndexes(ctx, q, schema); err != nil {
		return nil, err
	}
	if cat.owned, err = readOwnedSequences(ctx, q, schema); err != nil {
		return nil, err
	}

	if len(cat.tables) == 0 {
		return nil, fmt.Errorf("template schema %s has no tables", schema)
	}

	return cat, nil
}

// rewriteSchema replaces references qualified with the template schema in catalog
// generated SQL. Only the qualified forms emitted by pg_get_* are replaced, so a
// column or table that merely contains the schema name is left alone.
func rewriteSchema(def, from, to string) string {
	r := strings.NewReplacer(
		" "+from+".", " "+to+".",
		"'"+from+".", "'"+to+".",
		"("+from+".", "("+to+".",
	)
	return r.Replace(def)
}

// rewriteIndexDef turns a pg_get_indexdef statement for the template into an
// idempotent statement for the target schema.
func rewriteIndexDef(def, from, to string) (string, error) {
	for _, prefix := range []string{"CREATE UNIQUE INDEX ", "CREATE INDEX "} {
		if rest, ok := strings.CutPrefix(def, prefix); ok {
			return prefix + "IF NOT EXISTS " + rewriteSchema(rest, from, to), nil
		}
	}
	return "", fmt.Errorf("unexpected index definition: %s", def)
}

// sequenceDDL renders a sequence definition for the target schema.
func sequenceDDL(schema string, seq sequenceDef) string {
	cycle := "NO CYCLE"
	if seq.Cycle {
		cycle = "CYCLE"
	}
	return fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s AS %s INCREMENT BY %d MINVALUE %d MAXVALUE %d START WITH %d CACHE %d %s",
		pgx.Identifier{schema, seq.Name}.Sanitize(), seq.DataType,
		seq.Increment, seq.Min, seq.Max, seq.Start, seq.Cache, cycle)
}

// tableDDL creates an empty copy of a template table. Rows are never copied.
func tableDDL(from, to, table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING DEFAULTS INCLUDING IDENTITY INCLUDING GENERATED INCLUDING STORAGE INCLUDING COMMENTS)",
		pgx.Identifier{to, table}.Sanitize(), pgx.Identifier{from, table}.Sanitize())
}

// columnDDL adds a template column that is missing from an existing tenant table.
func columnDDL(from, to string, col columnDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
		pgx.Identifier{to, col.Table}.Sanitize(), pgx.Identifier{col.Name}.Sanitize(), col.DataType)

	switch {
	case col.Generated == "s" && col.Default != nil:
		fmt.Fprintf(&b, " GENERATED ALWAYS AS (%s) STORED", rewriteSchema(*col.Default, from, to))
	case col.Identity == "a":
		b.WriteString(" GENERATED ALWAYS AS IDENTITY")
	case col.Identity == "d":
		b.WriteString(" GENERATED BY DEFAULT AS IDENTITY")
	case col.Default != nil:
		fmt.Fprintf(&b, " DEFAULT %s", rewriteSchema(*col.Default, from, to))
	}

	if col.NotNull && col.Identity == "" {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// constraintDDL renders a template constraint for the target schema.
func constraintDDL(from, to string, con constraintDef) (string, error) {
	if con.Type == "f" && con.ReferenceSchema != from {
		return "", fmt.Errorf("foreign key %s on %s references schema %q outside the template", con.Name, con.Table, con.ReferenceSchema)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		pgx.Identifier{to, con.Table}.Sanitize(), pgx.Identifier{con.Name}.Sanitize(),
		rewriteSchema(con.Definition, from, to)), nil
}
