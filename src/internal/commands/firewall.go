package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maksimkurb/fwsync/src/internal/firewall"
	"github.com/maksimkurb/fwsync/src/internal/netaddr"
	"github.com/maksimkurb/fwsync/src/internal/utils"
)

// readEntries returns args followed by the non-comment lines of file. A file
// of "-" reads standard input.
func readEntries(cmd *cobra.Command, args []string, file string) ([]string, error) {
	entries := append([]string(nil), args...)
	if file == "" {
		return entries, nil
	}

	var r io.Reader
	if file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file, err)
		}
		defer utils.CloseOrWarn(f)
		r = f
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return entries, nil
}

func outcome(cmd *cobra.Command, operation string, ok bool) error {
	if !ok {
		return fmt.Errorf("%s failed, see log for details", operation)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", operation)
	return nil
}

func NewBlockCmd(app *AppContext) *cobra.Command {
	var group, file string
	var incremental bool
	cmd := &cobra.Command{
		Use:   "block [address...]",
		Short: "Replace the members of a block group",
		Long: "Replace the members of a block group with the given addresses. " +
			"With --add the addresses are added to the group instead.",
		Example: "fwsync block 203.0.113.7 2001:db8::7\nfwsync block --group ssh --file bans.txt\nfwsync block --add 198.51.100.4",
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses, err := readEntries(cmd, args, file)
			if err != nil {
				return err
			}
			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			fw := deps.Firewall()
			if incremental {
				deltas := make([]firewall.Delta, 0, len(addresses))
				for _, a := range addresses {
					deltas = append(deltas, firewall.Delta{Address: a, Added: true})
				}
				return outcome(cmd, "block", fw.BlockAddressesDelta(cmd.Context(), group, deltas))
			}
			return outcome(cmd, "block", fw.BlockAddresses(cmd.Context(), group, addresses))
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Block group name, empty for the default group")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read addresses from a file, one per line (- for stdin)")
	cmd.Flags().BoolVar(&incremental, "add", false, "Add to the group instead of replacing it")
	return cmd
}

func NewUnblockCmd(app *AppContext) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "unblock address...",
		Short:   "Remove addresses from every block group",
		Example: "fwsync unblock 203.0.113.7",
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses, err := readEntries(cmd, args, file)
			if err != nil {
				return err
			}
			if len(addresses) == 0 {
				return fmt.Errorf("no addresses given")
			}
			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			return outcome(cmd, "unblock", deps.Firewall().UnblockAddresses(cmd.Context(), addresses))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read addresses from a file, one per line (- for stdin)")
	return cmd
}

func NewAllowCmd(app *AppContext) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:     "allow [address...]",
		Short:   "Replace the allow list",
		Example: "fwsync allow 192.0.2.10 192.0.2.11",
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses, err := readEntries(cmd, args, file)
			if err != nil {
				return err
			}
			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			return outcome(cmd, "allow", deps.Firewall().AllowAddresses(cmd.Context(), addresses))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read addresses from a file, one per line (- for stdin)")
	return cmd
}

func NewBlockRangesCmd(app *AppContext) *cobra.Command {
	var group, file, ports string
	cmd := &cobra.Command{
		Use:   "block-ranges [range...]",
		Short: "Replace the members of a range block group",
		Long: "Replace the members of a range block group. Ranges are CIDR prefixes or " +
			"\"from-to\" address pairs. Ports given with --allowed-ports stay open.",
		Example: "fwsync block-ranges --group cloud 198.51.100.0/24 203.0.113.10-203.0.113.20 --allowed-ports 80,443",
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed, err := netaddr.ParsePortRanges(ports)
			if err != nil {
				return err
			}
			ranges, err := readEntries(cmd, args, file)
			if err != nil {
				return err
			}
			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			return outcome(cmd, "block-ranges", deps.Firewall().BlockRanges(cmd.Context(), group, ranges, allowed))
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "Range group name, empty for the default group")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read ranges from a file, one per line (- for stdin)")
	cmd.Flags().StringVarP(&ports, "allowed-ports", "p", "", "Ports left open, e.g. 22,80-90")
	return cmd
}

func NewDeleteRuleCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:     "delete-rule name",
		Short:   "Delete a managed rule by name",
		Example: "fwsync delete-rule fwsync_Block_0",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			if !deps.Firewall().DeleteRule(cmd.Context(), args[0]) {
				return fmt.Errorf("rule %s not found or could not be deleted", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func NewTruncateCmd(app *AppContext) *cobra.Command {
	return &cobra.Command{
		Use:   "truncate",
		Short: "Remove every managed rule, set and state file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := app.Dependencies(cmd.Context())
			if err != nil {
				return err
			}
			return outcome(cmd, "truncate", deps.Firewall().Truncate(cmd.Context()))
		},
	}
}
