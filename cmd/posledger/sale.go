package main

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"posledger/internal/domain"
	"posledger/internal/service"
)

func newSaleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Register, list and void sales",
	}

	var items []string
	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a sale priced from the catalog",
		Example: "  posledger sale register --item 1:3 --item 2:1",
		RunE: func(cmd *cobra.Command, args []string) error {
			cart, err := parseCart(items)
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				receipt, err := svc.RegisterSale(cmd.Context(), cliActor, domain.SaleRequest{Cart: cart})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sale %d total %s\n", receipt.SaleID, receipt.ComputedTotal.StringFixed(2))
				return nil
			})
		},
	}
	registerCmd.Flags().StringArrayVar(&items, "item", nil, "cart line as product_id:quantity (repeatable)")
	_ = registerCmd.MarkFlagRequired("item")

	var listJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Print sale history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				rows, err := svc.ListSales(cmd.Context(), cliActor)
				if err != nil {
					return err
				}
				if listJSON {
					var history []domain.SaleHistoryRow
					for row, err := range rows {
						if err != nil {
							return err
						}
						history = append(history, row)
					}
					return writeJSON(cmd.OutOrStdout(), history)
				}
				return writeHistory(cmd.OutOrStdout(), rows)
			})
		},
	}
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	voidCmd := &cobra.Command{
		Use:   "void <sale-id>",
		Short: "Void a sale and restock its lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			saleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				receipt, err := svc.VoidSale(cmd.Context(), cliActor, saleID)
				if err != nil {
					return err
				}
				ids := make([]int64, 0, len(receipt.Restocked))
				for id := range receipt.Restocked {
					ids = append(ids, id)
				}
				slices.Sort(ids)
				fmt.Fprintf(cmd.OutOrStdout(), "voided sale %d\n", receipt.SaleID)
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "  product %d +%d\n", id, receipt.Restocked[id])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(registerCmd, listCmd, voidCmd)
	return cmd
}

func writeHistory(w io.Writer, rows iter.Seq2[domain.SaleHistoryRow, error]) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SALE\tAT\tTOTAL\tPRODUCT\tQTY\tUNIT PRICE")
	for row, err := range rows {
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			row.SaleID,
			row.CreatedAt.Format("2006-01-02 15:04:05"),
			row.Total.StringFixed(2),
			row.ProductName,
			row.Quantity,
			row.UnitPriceAtSale.StringFixed(2),
		)
	}
	return tw.Flush()
}

func parseCart(items []string) ([]domain.CartLine, error) {
	cart := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		idRaw, qtyRaw, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --item %q, want product_id:quantity", item)
		}
		id, err := parseID(strings.TrimSpace(idRaw))
		if err != nil {
			return nil, err
		}
		qty, err := strconv.Atoi(strings.TrimSpace(qtyRaw))
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in --item %q", item)
		}
		cart = append(cart, domain.CartLine{ProductID: id, Quantity: qty})
	}
	return cart, nil
}
