package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/MarkoPoloResearchLab/vaultshop/internal/app"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/inventory"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/rank"
	"github.com/MarkoPoloResearchLab/vaultshop/pkg/settings"
)

const (
	flagProduct  = "product"
	flagUser     = "user"
	flagReason   = "reason"
	flagFile     = "file"
	flagName     = "name"
	flagPrice    = "price"
	flagMinStock = "min-secondary"
	flagMaxStock = "max-secondary"
	flagStatus   = "status"
	flagDelta    = "delta"
	flagMin      = "min-deposit"
	flagBonus    = "bonus-percent"
	flagColor    = "color"
	flagIcon     = "icon"
	flagSort     = "sort-order"
	flagEnabled  = "enabled"
	flagPercent  = "percent"
)

func newMigrateCommand(state *commandState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				_, err := fmt.Fprintf(out, "schema ready on %s\n", services.Driver)
				return err
			})
		},
	}
}

func newProductCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage products"}
	save := &cobra.Command{
		Use:   "save <id>",
		Short: "Create or update a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := inventory.NewProductID(args[0])
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString(flagName)
			price, _ := cmd.Flags().GetInt64(flagPrice)
			minimum, _ := cmd.Flags().GetInt64(flagMinStock)
			maximum, _ := cmd.Flags().GetInt64(flagMaxStock)
			status, _ := cmd.Flags().GetString(flagStatus)
			product := inventory.Product{
				ID:                productID,
				Name:              name,
				Price:             ledger.Amount(price),
				MinSecondaryStock: minimum,
				MaxSecondaryStock: maximum,
				Status:            inventory.ProductStatus(strings.ToLower(strings.TrimSpace(status))),
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				saved, err := services.Inventory.SaveProduct(ctx, product)
				if err != nil {
					return err
				}
				minimum, maximum := saved.Thresholds()
				_, err = fmt.Fprintf(out, "product %s saved: price=%d secondary=[%d,%d] status=%s\n", saved.ID.String(), saved.Price.Int64(), minimum, maximum, saved.Status)
				return err
			})
		},
	}
	save.Flags().String(flagName, "", "display name")
	save.Flags().Int64(flagPrice, 0, "unit price in the smallest currency unit")
	save.Flags().Int64(flagMinStock, 0, "refill the storefront pool below this count (0 uses the default)")
	save.Flags().Int64(flagMaxStock, 0, "refill the storefront pool up to this count (0 uses the default)")
	save.Flags().String(flagStatus, string(inventory.ProductActive), "active or inactive")
	cmd.AddCommand(save)
	return cmd
}

func newImportCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <product-id>",
		Short: "Import newline-separated credentials into bulk storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			productID, err := inventory.NewProductID(args[0])
			if err != nil {
				return err
			}
			path, _ := cmd.Flags().GetString(flagFile)
			raw, err := readPayload(cmd, path)
			if err != nil {
				return err
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				result, err := services.Inventory.ImportBulk(ctx, productID, raw)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "imported %d items into %s, moved %d to storefront (now %d)\n", result.Imported, productID.String(), result.Transfer.Moved, result.Transfer.SecondaryAfter)
				return err
			})
		},
	}
	cmd.Flags().String(flagFile, "-", "file to read, - for stdin")
	return cmd
}

func newRebalanceCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebalance",
		Short: "Refill storefront pools from bulk storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawProductID, _ := cmd.Flags().GetString(flagProduct)
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				if strings.TrimSpace(rawProductID) != "" {
					productID, err := inventory.NewProductID(rawProductID)
					if err != nil {
						return err
					}
					transfer, err := services.Inventory.Replenish(ctx, productID)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(out, "%s: moved %d (storefront %d -> %d)\n", productID.String(), transfer.Moved, transfer.SecondaryBefore, transfer.SecondaryAfter)
					return err
				}
				report, err := services.Inventory.Rebalancer().Sweep(ctx)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(out, "checked %d products, moved %d items\n", report.Checked, report.Moved); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
	cmd.Flags().String(flagProduct, "", "only this product; all active products when empty")
	return cmd
}

func newReconcileCommand(state *commandState) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail pending transactions older than the configured timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				report, err := services.Reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintf(out, "scanned %d, failed %d, skipped %d\n", report.Scanned, report.Failed, report.Skipped); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
}

func newWalletCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{Use: "wallet", Short: "Inspect and administer wallets"}

	show := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				wallet, err := services.Ledger.Wallet(ctx, userID)
				if err != nil {
					return err
				}
				return printWallet(out, wallet)
			})
		},
	}

	adjust := &cobra.Command{
		Use:   "adjust <user-id>",
		Short: "Credit (positive delta) or debit (negative delta) a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			delta, _ := cmd.Flags().GetInt64(flagDelta)
			reason, _ := cmd.Flags().GetString(flagReason)
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				transaction, err := services.Ledger.AdjustAdmin(ctx, userID, delta, reason)
				if err != nil {
					return err
				}
				after, _ := transaction.SettledBalance()
				_, err = fmt.Fprintf(out, "%s %s: balance %d -> %d (%s %d)\n", transaction.Code.String(), transaction.Type, transaction.BalanceBefore.Int64(), after.Int64(), transaction.Direction(), transaction.Amount.Int64())
				return err
			})
		},
	}
	adjust.Flags().Int64(flagDelta, 0, "signed amount")
	adjust.Flags().String(flagReason, "", "audit reason")

	lock := &cobra.Command{
		Use:   "lock <user-id>",
		Short: "Block purchases from a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString(flagReason)
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				wallet, err := services.Ledger.LockWallet(ctx, userID, reason)
				if err != nil {
					return err
				}
				return printWallet(out, wallet)
			})
		},
	}
	lock.Flags().String(flagReason, "", "audit reason")

	unlock := &cobra.Command{
		Use:   "unlock <user-id>",
		Short: "Allow purchases from a wallet again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				wallet, err := services.Ledger.UnlockWallet(ctx, userID)
				if err != nil {
					return err
				}
				return printWallet(out, wallet)
			})
		},
	}

	cmd.AddCommand(show, adjust, lock, unlock)
	return cmd
}

func newSettingsCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read and write dynamic settings"}
	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a dynamic setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := settings.ValidateKey(args[0])
			if err != nil {
				return err
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				if err := services.Store.Set(ctx, key, args[1]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "%s set\n", key)
				return err
			})
		},
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a dynamic setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := settings.ValidateKey(args[0])
			if err != nil {
				return err
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				value, found, err := services.Store.Lookup(ctx, key)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("setting %s is not set", key)
				}
				_, err = fmt.Fprintln(out, value)
				return err
			})
		},
	}
	cmd.AddCommand(set, get)
	return cmd
}

func newRankCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{Use: "rank", Short: "Manage the deposit rank ladder"}
	save := &cobra.Command{
		Use:   "save <name>",
		Short: "Create or update a rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minDeposit, _ := cmd.Flags().GetInt64(flagMin)
			rawBonus, _ := cmd.Flags().GetString(flagBonus)
			color, _ := cmd.Flags().GetString(flagColor)
			icon, _ := cmd.Flags().GetString(flagIcon)
			rawStatus, _ := cmd.Flags().GetString(flagStatus)
			sortOrder, _ := cmd.Flags().GetInt(flagSort)
			bonus, err := decimal.NewFromString(strings.TrimSpace(rawBonus))
			if err != nil {
				return fmt.Errorf("%w: %v", rank.ErrInvalidBonusPercent, err)
			}
			status, err := rank.ParseStatus(rawStatus)
			if err != nil {
				return err
			}
			value := rank.Rank{
				Name:         args[0],
				MinDeposit:   ledger.Amount(minDeposit),
				BonusPercent: bonus,
				Color:        color,
				Icon:         icon,
				Status:       status,
				SortOrder:    sortOrder,
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				saved, err := services.Ranks.SaveRank(ctx, value)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "rank %s saved: min_deposit=%d bonus=%s%%\n", saved.Name, saved.MinDeposit.Int64(), saved.BonusPercent.String())
				return err
			})
		},
	}
	save.Flags().Int64(flagMin, 0, "rolling-window deposit needed to qualify")
	save.Flags().String(flagBonus, "0", "bonus percent credited on deposits")
	save.Flags().String(flagColor, "", "display color")
	save.Flags().String(flagIcon, "", "display icon")
	save.Flags().String(flagStatus, string(rank.StatusActive), "active or inactive")
	save.Flags().Int(flagSort, 0, "display order")

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the active rank ladder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				ranks, err := services.Ranks.ListRanks(ctx)
				if err != nil {
					return err
				}
				for _, value := range ranks {
					if _, err := fmt.Fprintf(out, "%s\t%d\t%s%%\n", value.Name, value.MinDeposit.Int64(), value.BonusPercent.String()); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.AddCommand(save, list)
	return cmd
}

func newCollaboratorCommand(state *commandState) *cobra.Command {
	cmd := &cobra.Command{Use: "collaborator", Short: "Manage per-user collaborator bonuses"}
	set := &cobra.Command{
		Use:   "set <user-id>",
		Short: "Enable or disable a collaborator bonus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := ledger.NewUserID(args[0])
			if err != nil {
				return err
			}
			enabled, _ := cmd.Flags().GetBool(flagEnabled)
			rawPercent, _ := cmd.Flags().GetString(flagPercent)
			percent, err := decimal.NewFromString(strings.TrimSpace(rawPercent))
			if err != nil {
				return fmt.Errorf("%w: %v", rank.ErrInvalidBonusPercent, err)
			}
			return state.withServices(cmd, func(ctx context.Context, services *app.Services, out io.Writer) error {
				if err := services.Ranks.SetCollaborator(ctx, userID, enabled, percent); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "collaborator %s enabled=%t percent=%s\n", userID.String(), enabled, percent.String())
				return err
			})
		},
	}
	set.Flags().Bool(flagEnabled, true, "whether the collaborator bonus applies")
	set.Flags().String(flagPercent, "0", "bonus percent on top of the rank bonus")
	cmd.AddCommand(set)
	return cmd
}

func readPayload(cmd *cobra.Command, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(raw), nil
}

func printWallet(out io.Writer, wallet ledger.Wallet) error {
	_, err := fmt.Fprintf(out, "%s balance=%d deposited=%d spent=%d lock=%s\n",
		wallet.UserID.String(), wallet.Balance.Int64(), wallet.TotalDeposited.Int64(), wallet.TotalSpent.Int64(), wallet.LockState)
	return err
}
