package commands

import (
	"fmt"
	"iter"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
)

const (
	listBanned  = "banned"
	listAllowed = "allowed"
	listRanges  = "ranges"
)

func NewListCmd(app *AppContext) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:       "list [banned|allowed|ranges]",
		Short:     "Print committed entries, one per line",
		Example:   "fwsync list\nfwsync list ranges --group cloud",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{listBanned, listAllowed, listRanges},
		RunE: func(cmd *cobra.Command, args []string) error {
			what := listBanned
			if len(args) == 1 {
				what = args[0]
			}

			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			fw := deps.Firewall()
			ctx := cmd.Context()

			var entries iter.Seq[string]
			switch what {
			case listAllowed:
				entries = fw.EnumerateAllowed(ctx)
			case listRanges:
				entries = fw.EnumerateRanges(ctx, group)
			default:
				entries = fw.EnumerateBanned(ctx)
			}
			out := cmd.OutOrStdout()
			for entry := range entries {
				fmt.Fprintln(out, entry)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Range group to list, empty for all range groups")
	return cmd
}

func NewCheckCmd(app *AppContext) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:     "check address",
		Short:   "Report whether an address is blocked or allowed",
		Example: "fwsync check 203.0.113.7 --port 22",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := netaddr.ParseAddr(args[0])
			if err != nil {
				return err
			}
			if port != firewall.NoPort && (port < 0 || port > 65535) {
				return fmt.Errorf("invalid port %d", port)
			}

			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			fw := deps.Firewall()
			ctx := cmd.Context()

			where := "any port"
			if port != firewall.NoPort {
				where = "port " + strconv.Itoa(port)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s blocked on %s: %t\n", addr, where, fw.IsBlocked(ctx, addr.String(), port))
			fmt.Fprintf(cmd.OutOrStdout(), "%s allowed: %t\n", addr, fw.IsAllowed(ctx, addr.String()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", firewall.NoPort, "Destination port to check")
	return cmd
}
