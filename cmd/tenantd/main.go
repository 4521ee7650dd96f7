package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/tenantry/cmd/tenantd/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag

		Serve    commands.ServeCmd    `cmd:"" help:"Start the tenant session server"`
		Migrate  commands.MigrateCmd  `cmd:"" help:"Apply platform schema migrations"`
		Tenant   commands.TenantCmd   `cmd:"" help:"Manage tenants"`
		Backfill commands.BackfillCmd `cmd:"" help:"Apply template schema changes to provisioned tenants"`
		Token    commands.TokenCmd    `cmd:"" help:"Issue access tokens and signing keys"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("tenantd"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
