package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kiln-build/kiln/pkg/kiln"
	"github.com/kiln-build/kiln/pkg/kiln/cache"
	"github.com/kiln-build/kiln/pkg/kiln/cache/remote"
	"github.com/kiln-build/kiln/pkg/kiln/cloud"
)

// buildCmd represents the build command
var buildCmd = &cobra.Command{
	Use:   "build [image ...]",
	Short: "Builds the manifest's images and prints their digest-pinned references",
	Run: func(cmd *cobra.Command, args []string) {
		manifest, err := kiln.LoadManifest(manifestPath)
		if err != nil {
			log.Fatal(err)
		}

		names := args
		if len(names) == 0 {
			names = manifest.ImageNames()
		}

		specs := make([]*kiln.BuildSpec, 0, len(names))
		var needsCloud bool
		for _, name := range names {
			spec, err := manifest.Spec(name)
			if err != nil {
				log.Fatal(err)
			}
			if spec.Remote != nil {
				needsCloud = true
			}
			specs = append(specs, spec)
		}

		builder, err := newBuilder(cmd.Context(), needsCloud)
		if err != nil {
			log.Fatal(err)
		}

		if err := buildAll(cmd.Context(), builder, specs); err != nil {
			log.Fatal(err)
		}

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			return
		}

		fmt.Printf("\n👀  watching for changes\n")
		err = watchAndRebuild(cmd.Context(), builder, manifest, names, specs)
		if err != nil {
			log.Fatal(err)
		}
	},
}

// buildAll builds distinct images in parallel; the coordinator dedupes any
// specs resolving to the same reference.
func buildAll(ctx context.Context, builder *kiln.Builder, specs []*kiln.BuildSpec) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		eg.Go(func() error {
			result, err := builder.Build(ctx, spec)
			if err != nil {
				return err
			}
			fmt.Printf("📦  %s\n", color.Cyan.Render(result))
			return nil
		})
	}
	return eg.Wait()
}

// watchAndRebuild rebuilds the selected images whenever their sources change.
// Events are debounced; because the coordinator caches results per reference,
// each rebuild needs a fresh builder.
func watchAndRebuild(ctx context.Context, builder *kiln.Builder, manifest *kiln.Manifest, names []string, specs []*kiln.BuildSpec) error {
	changed, errs := kiln.WatchSources(ctx, manifest.WatchPaths(names))

	var (
		debounce = 500 * time.Millisecond
		timer    *time.Timer
		fire     = make(chan struct{}, 1)
	)
	for {
		select {
		case file := <-changed:
			log.WithField("file", file).Debug("source changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			fresh := kiln.NewBuilderFrom(builder)
			if err := buildAll(ctx, fresh, specs); err != nil {
				log.WithError(err).Error("rebuild failed")
				continue
			}
			builder = fresh
		case err := <-errs:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// newBuilder wires the archiver, the optional archive mirror and, when any
// selected image targets the remote backend, the cloud services.
func newBuilder(ctx context.Context, needsCloud bool) (*kiln.Builder, error) {
	var mirror cache.RemoteCache
	if bucket := os.Getenv(EnvvarRemoteCacheBucket); bucket != "" {
		var err error
		mirror, err = remote.NewS3Cache(&cache.RemoteConfig{
			BucketName: bucket,
			Region:     os.Getenv(EnvvarRemoteCacheRegion),
		})
		if err != nil {
			return nil, err
		}
		log.WithField("bucket", bucket).Debug("context-archive mirroring enabled")
	}

	archiver, err := kiln.NewArchiver(kiln.DefaultCacheDir(), mirror)
	if err != nil {
		return nil, err
	}

	if !needsCloud {
		return kiln.NewBuilder(archiver), nil
	}

	builds, err := cloud.NewGCBService(ctx)
	if err != nil {
		return nil, err
	}
	storage, err := cloud.NewGCSUploader(ctx)
	if err != nil {
		return nil, err
	}
	secrets, err := cloud.NewGCPSecretManager(ctx)
	if err != nil {
		return nil, err
	}
	granter, err := cloud.NewProjectAccessGranter(ctx)
	if err != nil {
		return nil, err
	}

	return kiln.NewBuilder(archiver, kiln.WithCloudServices(builds, storage, secrets, granter)), nil
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().Bool("watch", false, "After a successful build keep watching the build sources and rebuild on change")
}
