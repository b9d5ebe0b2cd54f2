package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"deribitflow/internal/pipeline"
	"deribitflow/models"
)

var resetFlags struct {
	currency string
	kind     string
	purge    bool
	json     bool
}

var resetCMD = &cobra.Command{
	Use:   "reset",
	Short: "Forget the checkpoint of one currency and kind",
	Long: `Delete the resume checkpoint of a pair so the next run starts from its
requested range. With --purge the pair's committed files and manifest
entries are removed as well. Fails while another run holds the pair.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := models.ParseKind(resetFlags.kind)
		if err != nil {
			return err
		}
		res, err := orch.Reset(cmd.Context(), pipeline.ResetOptions{
			Currency: resetFlags.currency,
			Kind:     kind,
			Purge:    resetFlags.purge,
		})
		if err != nil {
			return err
		}
		if resetFlags.json {
			return printJSON(cmd, res)
		}
		out := cmd.OutOrStdout()
		if res.Previous == nil {
			fmt.Fprintf(out, "%s %s: no checkpoint\n", res.Currency, res.Kind)
		} else {
			fmt.Fprintf(out, "%s %s: checkpoint at %s (partition %s) removed\n",
				res.Currency, res.Kind, res.Previous.Cursor().Format("2006-01-02 15:04:05"), orNone(res.Previous.Partition))
		}
		if resetFlags.purge {
			fmt.Fprintf(out, "%d files removed\n", res.FilesRemoved)
		}
		return nil
	},
}

func init() {
	resetCMD.Flags().StringVar(&resetFlags.currency, "currency", "", "currency to reset, e.g. BTC")
	resetCMD.Flags().StringVar(&resetFlags.kind, "kind", string(models.KindTrades), "data kind, trades or dvol")
	resetCMD.Flags().BoolVar(&resetFlags.purge, "purge", false, "also delete the committed files")
	resetCMD.Flags().BoolVar(&resetFlags.json, "json", false, "print as JSON")
	resetCMD.MarkFlagRequired("currency")
}
