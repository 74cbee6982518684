package cmd

import (
	"fmt"
	"os"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	// EnvvarCacheDir names the environment variable configuring the local
	// context-archive cache location
	EnvvarCacheDir = "KILN_CACHE_DIR"

	// EnvvarRemoteCacheBucket configures an S3 bucket name. This enables
	// mirroring of context archives across machines.
	EnvvarRemoteCacheBucket = "KILN_REMOTE_CACHE_BUCKET"

	// EnvvarRemoteCacheRegion configures the mirror bucket's region
	EnvvarRemoteCacheRegion = "KILN_REMOTE_CACHE_REGION"
)

var (
	// version is set during the build using ldflags
	version string = "unknown"

	manifestPath string
	verbose      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "A caching container-image build orchestrator",
	Long: color.Render(`<light_yellow>Kiln builds container images with content-addressed caching.</> Images are described
in a kiln.yaml manifest; their version tags derive deterministically from an explicit
value, from the content of the build inputs, or from a git commit. Identical inputs
yield identical image references, which is the basis of build deduplication.

<white>Configuration</>
The following environment variables have an effect on kiln:
            <light_blue>KILN_CACHE_DIR</>  Location of the local context-archive cache.
  <light_blue>KILN_REMOTE_CACHE_BUCKET</>  Enables mirroring of context archives using an S3 bucket.
  <light_blue>KILN_REMOTE_CACHE_REGION</>  Region of the mirror bucket.
`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "kiln.yaml", "Build manifest file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}
