package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/vaultshop/internal/app"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/config"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/logging"
	"github.com/MarkoPoloResearchLab/vaultshop/internal/notify"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shopctl: %v\n", err)
		os.Exit(1)
	}
}

type commandState struct {
	cfg config.Config
}

func newRootCommand() *cobra.Command {
	state := &commandState{}
	cmd := &cobra.Command{
		Use:           "shopctl",
		Short:         "Administer the credential shop database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			state.cfg = loaded
			return nil
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newMigrateCommand(state),
		newProductCommand(state),
		newImportCommand(state),
		newRebalanceCommand(state),
		newReconcileCommand(state),
		newWalletCommand(state),
		newSettingsCommand(state),
		newRankCommand(state),
		newCollaboratorCommand(state),
	)
	return cmd
}

// withServices opens the database for one command and closes it afterwards.
func (state *commandState) withServices(cmd *cobra.Command, fn func(ctx context.Context, services *app.Services, out io.Writer) error) error {
	logger, err := logging.NewLogger(state.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	services, err := app.Open(ctx, state.cfg, logger, notify.NewLogSink(logger.Named("events")))
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()
	return fn(ctx, services, cmd.OutOrStdout())
}
