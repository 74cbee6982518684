package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kiln-build/kiln/pkg/kiln"
)

// pruneCmd represents the prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Removes all cached build-context archives",
	Run: func(cmd *cobra.Command, args []string) {
		dir := kiln.DefaultCacheDir()
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return
		}
		if err != nil {
			log.Fatal(err)
		}

		var removed int
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				log.WithError(err).WithField("file", entry.Name()).Warn("cannot remove cached archive")
				continue
			}
			removed++
		}
		fmt.Printf("removed %d cached archive(s) from %s\n", removed, dir)
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
