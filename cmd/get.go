package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gkatanacio/hyperdl/download"
	"github.com/gkatanacio/hyperdl/httpsource"
)

var getOpts struct {
	name      string
	size      int64
	checkETag bool
}

var getCmd = &cobra.Command{
	Use:     "get [object id]",
	Short:   "Download an object in parallel parts, one session per part.",
	Example: "hyperdl get --base-url https://files.example.com/bot --token t1 --token t2 -p 8 -n movie.mkv 4217",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
	},
}

func init() {
	getCmd.Flags().StringVarP(&getOpts.name, "name", "n", "", "file name of the object")
	getCmd.Flags().Int64Var(&getOpts.size, "size", -1, "object size in bytes; looked up from the server when negative")
	getCmd.Flags().BoolVar(&getOpts.checkETag, "check-etag", false, "compare the MD5 of the downloaded file with the ETag of the object")
}

func runGet(ctx context.Context, out, errOut io.Writer, id string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	obj := download.ObjectRef{ID: id, Name: getOpts.name, Size: getOpts.size}
	if obj.Size < 0 {
		obj.Size, err = resolveSize(ctx, a.pool, obj)
		if err != nil {
			return fmt.Errorf("get object size: %w", err)
		}
	}

	svc := download.NewService(a.pool, a.cfg.DownloadOptions(), download.WithLogger(a.logger))
	d, err := svc.Start(ctx, obj, download.DestinationPath(a.cfg.DownloadDir, obj), terminalSink{out: errOut})
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case <-sigs:
			if svc.Cancel(d.ID) {
				fmt.Fprintln(errOut, "Download cancellation requested.")
			}
		case <-d.Done():
		}
	}()

	res := d.Wait()

	select {
	case <-d.ProgressDelivered():
	case <-time.After(time.Second):
	}

	switch res.Status {
	case download.StatusCompleted:
		if getOpts.checkETag {
			if err := verifyETag(ctx, a.pool, obj, res.Path); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, "Download complete:", res.Path)
		return nil
	case download.StatusCancelled:
		a.logger.Info("partial file kept", zap.String("path", res.PartialPath))
		return fmt.Errorf("download cancelled, partial data left in %s", res.PartialPath)
	default:
		return fmt.Errorf("download failed: %w", res.Err)
	}
}

// resolveSize asks the least loaded session for the size of obj.
func resolveSize(ctx context.Context, pool *download.SessionPool, obj download.ObjectRef) (int64, error) {
	sessionID, err := pool.Acquire()
	if err != nil {
		return 0, err
	}
	defer pool.Release(sessionID)

	sizer, ok := pool.Session(sessionID).(download.ObjectSizer)
	if !ok {
		return 0, errors.New("session cannot report object sizes")
	}
	return sizer.ObjectSize(ctx, obj)
}

type etagger interface {
	ObjectETag(ctx context.Context, obj download.ObjectRef) (string, error)
}

// verifyETag checks the file at path against the ETag the server reports for
// obj. Objects without an ETag are not checked.
func verifyETag(ctx context.Context, pool *download.SessionPool, obj download.ObjectRef, path string) error {
	sessionID, err := pool.Acquire()
	if err != nil {
		return err
	}
	defer pool.Release(sessionID)

	e, ok := pool.Session(sessionID).(etagger)
	if !ok {
		return errors.New("session cannot report ETags")
	}
	etag, err := e.ObjectETag(ctx, obj)
	if err != nil {
		return fmt.Errorf("get ETag: %w", err)
	}
	if etag == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return httpsource.CheckETag(f, etag)
}
