package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"posledger/internal/domain"
	"posledger/internal/service"
)

func newProductCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage the catalog",
	}

	var (
		barcode string
		name    string
		price   string
		onHand  int
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Create a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			unitPrice, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price %q: %w", price, err)
			}
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				product, err := svc.CreateProduct(cmd.Context(), cliActor, domain.ProductInput{
					Barcode:   barcode,
					Name:      name,
					UnitPrice: unitPrice,
					OnHand:    onHand,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created product %d (%s)\n", product.ID, product.Barcode)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&barcode, "barcode", "", "barcode")
	addCmd.Flags().StringVar(&name, "name", "", "name")
	addCmd.Flags().StringVar(&price, "price", "0", "unit price")
	addCmd.Flags().IntVar(&onHand, "on-hand", 0, "initial stock")
	_ = addCmd.MarkFlagRequired("barcode")
	_ = addCmd.MarkFlagRequired("name")

	var listJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List products by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				products, err := svc.ListProducts(cmd.Context(), cliActor)
				if err != nil {
					return err
				}
				if listJSON {
					return writeJSON(cmd.OutOrStdout(), products)
				}
				return writeProducts(cmd.OutOrStdout(), products...)
			})
		},
	}
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	findCmd := &cobra.Command{
		Use:   "find <barcode>",
		Short: "Look a product up by barcode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *service.Service) error {
				product, err := svc.FindByBarcode(cmd.Context(), cliActor, args[0])
				if err != nil {
					return err
				}
				return writeProducts(cmd.OutOrStdout(), product)
			})
		},
	}

	cmd.AddCommand(addCmd, listCmd, findCmd)
	return cmd
}

func writeProducts(w io.Writer, products ...domain.Product) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBARCODE\tNAME\tPRICE\tON HAND")
	for _, p := range products {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", p.ID, p.Barcode, p.Name, p.UnitPrice.StringFixed(2), p.OnHand)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
