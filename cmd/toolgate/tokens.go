package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quailyquaily/toolgate/confirm"
	"github.com/quailyquaily/toolgate/internal/clifmt"
	"github.com/spf13/cobra"
)

var confirmOwner string

var confirmCmd = &cobra.Command{
	Use:   "confirm <token>",
	Short: "Approve a pending confirmation on behalf of its owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(confirmOwner) == "" {
			return fmt.Errorf("--owner is required")
		}
		log := newLogger()
		ledger, err := ledgerFromViper(log)
		if err != nil {
			return err
		}
		defer ledger.Close()
		svc := serviceFromViper(ledger, log)

		rec, err := svc.Confirm(cmd.Context(), args[0], confirmOwner)
		if err != nil {
			switch {
			case errors.Is(err, confirm.ErrNotFound):
				fmt.Println(clifmt.Warn("token not found"))
			case errors.Is(err, confirm.ErrExpired):
				fmt.Println(clifmt.Warn("confirmation expired"))
			case errors.Is(err, confirm.ErrAlreadyConsumed):
				fmt.Println(clifmt.Warn("token already consumed"))
			default:
				return err
			}
			return fmt.Errorf("confirm failed")
		}

		fmt.Println(clifmt.Success("confirmed: " + rec.Description))
		fmt.Println(clifmt.Dim("consume deadline: " + rec.ConsumeDeadline.Local().Format("2006-01-02 15:04:05")))
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List confirmations awaiting approval or consumption",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ledger, err := ledgerFromViper(log)
		if err != nil {
			return err
		}
		defer ledger.Close()
		svc := serviceFromViper(ledger, log)

		recs, err := svc.ListActive(cmd.Context())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println(clifmt.Dim("no active confirmations"))
			return nil
		}

		fmt.Println(clifmt.Headerf("%-36s %-12s %-10s %s", "TOKEN", "OWNER", "STATE", "ACTION"))
		for _, rec := range recs {
			fmt.Printf("%-36s %-12s %-10s %s\n", rec.Token, rec.OwnerID, rec.State, rec.Description)
		}
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire and evict overdue confirmations once",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		ledger, err := ledgerFromViper(log)
		if err != nil {
			return err
		}
		defer ledger.Close()
		svc := serviceFromViper(ledger, log)

		n, err := svc.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(clifmt.Success(fmt.Sprintf("swept %d expired confirmation(s)", n)))
		return nil
	},
}

func init() {
	confirmCmd.Flags().StringVar(&confirmOwner, "owner", "", "owner id the token was issued to")
	rootCmd.AddCommand(confirmCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(sweepCmd)
}
