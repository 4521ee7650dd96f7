package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/tenantry/internal/provision"
)

type BackfillCmd struct {
	Concurrency int      `help:"number of tenant schemas updated at once" default:"4" env:"TENANTRY_BACKFILL_CONCURRENCY"`
	Tenant      []string `help:"only backfill these tenant slugs"`

	DB databaseFlags `embed:""`
}

func (c *BackfillCmd) Run(ctx context.Context, globals *Globals) error {
	ctx, _ = setupLogger(ctx, globals)

	_, prov, closeFn, err := c.DB.session(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	report, err := prov.Backfill(ctx, provision.BackfillOptions{
		Concurrency: c.Concurrency,
		Slugs:       c.Tenant,
	})
	if report == nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tCREATED\tDURATION\tERROR")
	for _, res := range report.Results {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", res.Slug, res.Created.Total(), res.Duration.Round(time.Millisecond), errMsg)
	}
	_ = w.Flush()

	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("backfill failed for %d of %d tenants: %w", len(failed), len(report.Results), err)
	}
	return nil
}
