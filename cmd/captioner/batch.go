package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chriskillpack/captioner"
	"github.com/chriskillpack/captioner/provider"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

// maxBatchErrors stops a batch after this many failed images.
const maxBatchErrors = 5

func findImageFiles(root string) ([]string, error) {
	var photos []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if slices.Contains(imageExts, ext) {
			photos = append(photos, path)
		}
		return nil
	})

	return photos, err
}

type batchResult struct {
	path    string
	caption string
	err     error
}

// captionFiles captions every path with at most concurrency requests in
// flight. It stops starting new work once the context is done, the process
// is in lame duck or too many captions have failed.
func (a *app) captionFiles(ctx context.Context, paths []string, concurrency int, progress func()) []batchResult {
	results := make([]batchResult, len(paths))

	var (
		mu     sync.Mutex
		errcnt int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, path := range paths {
		mu.Lock()
		stop := errcnt >= maxBatchErrors
		mu.Unlock()
		if stop || lameduck.Load() || gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			defer progress()

			mu.Lock()
			stop := errcnt >= maxBatchErrors
			mu.Unlock()
			if stop {
				return nil
			}

			results[i].path = path
			img, ref, err := imageFromArg(path)
			if err == nil {
				var res *captioner.Result
				res, err = a.caption(gctx, img, captionOptions{ImageURL: ref})
				if err == nil {
					results[i].caption = res.Text
				}
			}
			if err != nil {
				results[i].err = err
				a.logger.Warn().Str("path", path).Str("code", string(provider.CodeOf(err))).Err(err).Msg("caption failed")

				mu.Lock()
				errcnt++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return results
}

func (a *app) runBatch(ctx context.Context, args []string) error {
	fset := newFlagSet("batch")
	count := fset.Int("n", -1, "Number of images to process")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if fset.NArg() != 1 {
		return errUsage
	}

	paths, err := findImageFiles(fset.Arg(0))
	if err != nil {
		return err
	}
	if *count > -1 {
		paths = paths[:min(len(paths), *count)]
	}
	fmt.Fprintf(os.Stderr, "%d images to process\n", len(paths))

	bar := progressbar.NewOptions(
		len(paths),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Captioning"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
	results := a.captionFiles(ctx, paths, a.cfg.Batch.Concurrency, func() { bar.Add(1) })
	bar.Finish()

	var done, failed int
	for _, r := range results {
		switch {
		case r.path == "":
			// never started
		case r.err != nil:
			failed++
			fmt.Fprintf(stdout, "%s\tERROR %s\n", r.path, r.err)
		default:
			done++
			fmt.Fprintf(stdout, "%s\t%s\n", r.path, r.caption)
		}
	}
	fmt.Fprintf(os.Stderr, "%d captioned, %d failed, %d skipped\n", done, failed, len(paths)-done-failed)

	if failed >= maxBatchErrors {
		return fmt.Errorf("too many errors, stopped after %d failures", failed)
	}
	return nil
}
