package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/tanq16/parcel/internal/output"
)

func newServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List servers defined in the config file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			names := cfg.ServerNames()
			if len(names) == 0 {
				output.PrintWarning(fmt.Sprintf("No servers configured in %s", configPath))
				return
			}
			output.PrintHeader(fmt.Sprintf("Servers in %s", configPath))
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Name", "Host", "User", "Port", "Auth", "Default")
			for _, name := range names {
				entry := cfg.Servers[name]
				auth := "key"
				if entry.Password != "" {
					auth = "password"
				}
				port := entry.Port
				if port == 0 {
					port = 22
				}
				isDefault := ""
				if name == cfg.DefaultServer {
					isDefault = output.StyleSymbols["pass"]
				}
				table.Append([]string{name, entry.Host, entry.User, strconv.Itoa(int(port)), auth, isDefault})
			}
			if err := table.Render(); err != nil {
				output.PrintError(fmt.Sprintf("Error rendering table: %v", err))
				os.Exit(1)
			}
		},
	}
}
