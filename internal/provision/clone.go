package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/tenantry/internal/store/postgres"
)

// ObjectCounts counts the objects created in a tenant schema by one clone run.
// Objects that already existed are not counted.
type ObjectCounts struct {
	Sequences   int `json:"sequences"`
	Tables      int `json:"tables"`
	Columns     int `json:"columns"`
	Defaults    int `json:"defaults"`
	Constraints int `json:"constraints"`
	Indexes     int `json:"indexes"`
}

// Total returns the number of objects created.
func (c ObjectCounts) Total() int {
	return c.Sequences + c.Tables + c.Columns + c.Defaults + c.Constraints + c.Indexes
}

// cloner recreates the template structure in a tenant schema. Every step skips
// objects that already exist so it can be re-run after a partial failure and to
// backfill template changes into provisioned tenants.
type cloner struct {
	q      querier
	from   string
	to     string
	counts ObjectCounts
}

// clone applies the template catalog to the target schema in dependency order.
func clone(ctx context.Context, q querier, from, to string) (ObjectCounts, error) {
	c := &cloner{q: q, from: from, to: to}

	tpl, err := readCatalog(ctx, q, from)
	if err != nil {
		return c.counts, err
	}

	steps := []struct {
		name string
		fn   func(context.Context, *catalog) error
	}{
		{"sequences", c.sequences},
		{"tables", c.tables},
		{"columns", c.columns},
		{"defaults", c.defaults},
		{"constraints", c.constraints},
		{"indexes", c.indexes},
	}

	for _, step := range steps {
		if err := step.fn(ctx, tpl); err != nil {
			return c.counts, fmt.Errorf("clone %s: %w", step.name, err)
		}
	}

	zerolog.Ctx(ctx).Debug().
		Str("schema", to).
		Interface("created", c.counts).
		Msg("Applied template")

	return c.counts, nil
}

// exec runs one DDL statement, reporting false when the object already existed.
func (c *cloner) exec(ctx context.Context, sql string) (bool, error) {
	if _, err := c.q.Exec(ctx, sql); err != nil {
		if postgres.IsDuplicateObject(err) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", sql, err)
	}
	return true, nil
}

func (c *cloner) sequences(ctx context.Context, tpl *catalog) error {
	existing, err := relations(ctx, c.q, c.to)
	if err != nil {
		return err
	}

	for _, seq := range tpl.sequences {
		if existing[seq.Name] {
			continue
		}
		created, err := c.exec(ctx, sequenceDDL(c.to, seq))
		if err != nil {
			return err
		}
		if created {
			c.counts.Sequences++
		}
	}
	return nil
}

func (c *cloner) tables(ctx context.Context, tpl *catalog) error {
	existing, err := relations(ctx, c.q, c.to)
	if err != nil {
		return err
	}

	for _, table := range tpl.tables {
		if existing[table] {
			continue
		}
		created, err := c.exec(ctx, tableDDL(c.from, c.to, table))
		if err != nil {
			return err
		}
		if created {
			c.counts.Tables++
		}
	}
	return nil
}

// columns adds template columns missing from tenant tables that predate them.
func (c *cloner) columns(ctx context.Context, tpl *catalog) error {
	current, err := readColumns(ctx, c.q, c.to)
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(current))
	for _, col := range current {
		have[col.Table+"/"+col.Name] = true
	}

	for _, col := range tpl.columns {
		if have[col.Table+"/"+col.Name] {
			continue
		}
		created, err := c.exec(ctx, columnDDL(c.from, c.to, col))
		if err != nil {
			return err
		}
		if created {
			c.counts.Columns++
		}
	}
	return nil
}

// defaults re-points column defaults copied from the template, such as serial
// nextval calls, at the tenant's own sequences and transfers sequence ownership.
func (c *cloner) defaults(ctx context.Context, tpl *catalog) error {
	current, err := readColumns(ctx, c.q, c.to)
	if err != nil {
		return err
	}

	for _, col := range current {
		if col.Default == nil || col.Generated != "" || !strings.Contains(*col.Default, c.from+".") {
			continue
		}
		rewritten := rewriteSchema(*col.Default, c.from, c.to)
		if rewritten == *col.Default {
			continue
		}
		sql := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s",
			pgx.Identifier{c.to, col.Table}.Sanitize(), pgx.Identifier{col.Name}.Sanitize(), rewritten)
		if _, err := c.exec(ctx, sql); err != nil {
			return err
		}
		c.counts.Defaults++
	}

	for _, owned := range tpl.owned {
		sql := fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s",
			pgx.Identifier{c.to, owned.Sequence}.Sanitize(),
			pgx.Identifier{c.to, owned.Table, owned.Column}.Sanitize())
		if _, err := c.exec(ctx, sql); err != nil {
			return err
		}
	}
	return nil
}

func (c *cloner) constraints(ctx context.Context, tpl *catalog) error {
	existing, err := constraintNames(ctx, c.q, c.to)
	if err != nil {
		return err
	}

	for _, con := range tpl.constraints {
		if existing[con.Table+"/"+con.Name] {
			continue
		}
		sql, err := constraintDDL(c.from, c.to, con)
		if err != nil {
			return err
		}
		created, err := c.exec(ctx, sql)
		if err != nil {
			return err
		}
		if created {
			c.counts.Constraints++
		}
	}
	return nil
}

func (c *cloner) indexes(ctx context.Context, tpl *catalog) error {
	existing, err := relations(ctx, c.q, c.to)
	if err != nil {
		return err
	}

	for _, idx := range tpl.indexes {
		if existing[idx.Name] {
			continue
		}
		sql, err := rewriteIndexDef(idx.Definition, c.from, c.to)
		if err != nil {
			return err
		}
		created, err := c.exec(ctx, sql)
		if err != nil {
			return err
		}
		if created {
			c.counts.Indexes++
		}
	}
	return nil
}
