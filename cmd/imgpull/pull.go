package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meigma/imgpull"
	"github.com/meigma/imgpull/progress"
	"github.com/meigma/imgpull/registry"
)

func newPullCommand(a *app) *cobra.Command {
	var (
		platform string
		output   string
	)
	cmd := &cobra.Command{
		Use:   "pull IMAGE[:TAG]",
		Short: "Pull an image and write it as a docker-save archive",
		Example: `  imgpull pull nginx
  imgpull pull bitnami/redis:7 --platform linux/arm64 -o redis.tar
  imgpull pull alpine -o - | docker load`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.newClient(nil)
			if err != nil {
				return err
			}
			ref, err := registry.ParseImageRef(args[0])
			if err != nil {
				return err
			}
			if output == "" {
				output = client.ExportFileName(imgpull.ExportRequest{Image: ref.Name, Tag: ref.Tag})
			}

			onProgress := func(p progress.Progress) {
				if p.Percentage == 100 {
					a.logger.Info("blob ready", "digest", p.LayerDigest, "size", p.TotalSize)
				}
			}

			if output == "-" {
				res, err := client.PullImage(cmd.Context(), args[0], platform, cmd.OutOrStdout(), onProgress)
				if err != nil {
					return err
				}
				a.logger.Info("image exported", "image", res.String())
				return nil
			}

			res, err := writeAtomic(output, func(w io.Writer) (*imgpull.ImageResult, error) {
				return client.PullImage(cmd.Context(), args[0], platform, w, onProgress)
			})
			if err != nil {
				return err
			}
			summary := res.Report.Summary()
			a.logger.Info("image exported",
				"image", res.String(),
				"platform", fmt.Sprintf("%s/%s", res.Platform.OS, res.Platform.Architecture),
				"file", output,
				"downloaded", summary.Downloaded,
				"skipped", summary.Skipped,
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "platform os/arch[/variant] (default linux/<host arch>)")
	cmd.Flags().StringVarP(&output, "output", "o", "", `output file, "-" for stdout (default <image>-<tag>.tar)`)
	return cmd
}

// writeAtomic writes to a temporary file next to path and renames it into
// place only when fn succeeds.
func writeAtomic(path string, fn func(io.Writer) (*imgpull.ImageResult, error)) (*imgpull.ImageResult, error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return nil, err
	}
	tmp := f.Name()

	res, err := fn(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		return nil, errors.Join(err, removeIfExists(tmp))
	}
	return res, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
