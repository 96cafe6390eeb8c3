package cmd

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/parcel/internal/gateway"
	"github.com/tanq16/parcel/internal/output"
	"github.com/tanq16/parcel/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [DESTINATION]",
		Short: "Remove scratch directories left by interrupted transfers",
		Long: `Remove the local scratch directory (--temp-dir). With DESTINATION and a
server selection, the remote scratch directory under DESTINATION is removed too.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			dir := cfg.TempDir
			if tempDir != "" {
				dir = tempDir
			}
			if err := utils.ValidateTempDir(dir); err != nil {
				output.PrintError(fmt.Sprintf("Refusing to clean: %v", err))
				os.Exit(1)
			}
			if err := utils.Clean(dir, ""); err != nil {
				output.PrintError(fmt.Sprintf("Error cleaning %s: %v", dir, err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("%s Local scratch directory %s removed", output.StyleSymbols["pass"], dir))
			if len(args) == 0 {
				return
			}
			server, err := cfg.Resolve(serverName, useDefault)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error selecting server: %v", err))
				os.Exit(1)
			}
			remote, err := remoteScratch(args[0], dir)
			if err != nil {
				output.PrintError(fmt.Sprintf("Refusing to clean: %v", err))
				os.Exit(1)
			}
			gw := newGateway(cfg)
			defer gateway.Close(gw)
			if err := gateway.Check(gw.Run(context.Background(), server, "rm -rf "+gateway.Quote(remote))); err != nil {
				output.PrintError(fmt.Sprintf("Error cleaning %s on %s: %v", remote, server.Identity(), err))
				gateway.Close(gw)
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("%s Remote scratch directory %s removed on %s", output.StyleSymbols["pass"], remote, server.Identity()))
		},
	}
}

// remoteScratch is the scratch root under destination, never destination itself.
func remoteScratch(destination, dir string) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", fmt.Errorf("destination is empty")
	}
	if err := utils.ValidateTempDir(dir); err != nil {
		return "", err
	}
	return path.Join(destination, filepath.ToSlash(filepath.Clean(dir))), nil
}
