package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/MacJediWizard/minitube/internal/config"
	"github.com/MacJediWizard/minitube/internal/history"
	"github.com/MacJediWizard/minitube/internal/httpclient"
	"github.com/MacJediWizard/minitube/internal/storage"
	"github.com/MacJediWizard/minitube/internal/upload"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type uploadOptions struct {
	title       string
	description string
	mode        string
	contentType string
}

func newUploadCmd(opts *globalOptions) *cobra.Command {
	uo := &uploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a video",
		Long: `Upload a video file and create its video record.

In direct mode (the default) the file is sent to a signed storage URL and
then finalized. In multipart mode it is posted to the API in one request.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			s, err := newSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			return runUpload(ctx, s, args[0], uo, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&uo.title, "title", "", "Video title (required)")
	cmd.Flags().StringVar(&uo.description, "description", "", "Video description (required)")
	cmd.Flags().StringVar(&uo.mode, "mode", "", "Upload mode: direct or multipart (default from config)")
	cmd.Flags().StringVar(&uo.contentType, "content-type", "", "Override the detected content type")

	return cmd
}

func runUpload(ctx context.Context, s *session, path string, uo *uploadOptions, out io.Writer) error {
	mode := upload.Mode(uploadMode(s.cfg))
	if uo.mode != "" {
		mode = upload.Mode(uo.mode)
	}
	if mode != upload.ModeDirect && mode != upload.ModeMultipart {
		return fmt.Errorf("unknown upload mode %q", mode)
	}

	file, err := upload.OpenFile(path)
	if err != nil {
		return err
	}
	if uo.contentType != "" {
		file.ContentType = uo.contentType
	}

	// Storage transfers can take longer than the API request timeout.
	transferClient, err := httpclient.New(httpclient.Options{Timeout: -1, Proxy: s.cfg.Proxy})
	if err != nil {
		return fmt.Errorf("create HTTP client: %w", err)
	}

	deps := upload.Deps{
		API:     s.client,
		Storage: storage.NewSignedURLUploader(transferClient, s.logger),
		Metrics: s.metrics,
	}
	if mode == upload.ModeMultipart {
		// The multipart request carries the file itself.
		deps.API = api.NewClient(s.cfg.APIURL, transferClient, s.tokens, s.logger)
	}

	store, err := openHistory(s.cfg, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upload history unavailable")
	} else {
		defer store.Close()
		deps.History = store
	}

	progress := newProgressPrinter(out)
	orch := upload.New(deps, upload.Config{
		MaxBytes:     s.cfg.MaxUploadBytes(),
		AllowedTypes: s.cfg.AllowedUploadTypes(),
		Mode:         mode,
		OnProgress:   progress.update,
	}, s.logger)

	fmt.Fprintf(out, "File: %s (%s, %s)\n", file.Name, file.ContentType, formatBytes(file.Size))
	if err := orch.Select(file); err != nil {
		return uploadFailure(err)
	}

	video, err := orch.Submit(ctx, upload.Metadata{Title: uo.title, Description: uo.description})
	progress.finish()
	if err != nil {
		return uploadFailure(err)
	}

	fmt.Fprintf(out, "Video ID: %s\n", video.ID)
	fmt.Fprintf(out, "Object:   %s\n", video.ObjectName)
	return nil
}

func uploadFailure(err error) error {
	var uerr *upload.Error
	if errors.As(err, &uerr) {
		if uerr.Orphaned() {
			return fmt.Errorf("%s\nThe file was stored but no video was created. Run 'minitube uploads orphans' to review", uerr.Reason)
		}
		return errors.New(uerr.Reason)
	}
	return err
}

// progressPrinter prints stage changes and transfer progress.
type progressPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	status   upload.Status
	lastPct  int
	inMeter  bool
	lastDraw time.Time
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, lastPct: -1}
}

func (p *progressPrinter) update(pr upload.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pr.Status != p.status {
		p.endMeterLocked()
		p.status = pr.Status
		if label := pr.Status.Label(); label != "" && pr.Status != upload.StatusFailed {
			fmt.Fprintln(p.out, label)
		}
	}

	if pr.Status != upload.StatusTransferring || pr.TotalBytes <= 0 || pr.BytesSent == 0 {
		return
	}
	pct := int(pr.BytesSent * 100 / pr.TotalBytes)
	if pct == p.lastPct || (pct < 100 && time.Since(p.lastDraw) < 200*time.Millisecond) {
		return
	}
	p.lastPct = pct
	p.lastDraw = time.Now()
	p.inMeter = true
	fmt.Fprintf(p.out, "\r  %3d%% (%s / %s)", pct, formatBytes(pr.BytesSent), formatBytes(pr.TotalBytes))
}

func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endMeterLocked()
}

func (p *progressPrinter) endMeterLocked() {
	if p.inMeter {
		fmt.Fprintln(p.out)
		p.inMeter = false
	}
}

func newUploadsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Inspect local upload history",
	}

	cmd.AddCommand(
		newUploadsHistoryCmd(opts),
		newUploadsOrphansCmd(opts),
		newUploadsPurgeCmd(opts),
		newUploadsPruneCmd(opts),
	)

	return cmd
}

func newUploadsHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(opts, func(ctx context.Context, store *history.SQLiteStore) error {
				records, err := store.List(ctx, limit)
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), records, "No uploads recorded.")
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of uploads to show")
	return cmd
}

func newUploadsOrphansCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans",
		Short: "List stored objects that never became videos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(opts, func(ctx context.Context, store *history.SQLiteStore) error {
				records, err := store.ListOrphans(ctx)
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), records, "No orphaned uploads.")
				return nil
			})
		},
	}
}

// objectDeleter removes stored objects.
type objectDeleter interface {
	HeadObject(ctx context.Context, key string) (*storage.ObjectInfo, error)
	DeleteObject(ctx context.Context, key string) error
}

func newUploadsPurgeCmd(opts *globalOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "purge-orphans",
		Short: "Delete orphaned objects from storage",
		Long: `Delete objects that were stored by an upload whose finalization failed.

Requires the storage section of the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage == nil {
				return errors.New("storage is not configured")
			}
			logger := opts.logger(cfg)

			return withHistory(opts, func(ctx context.Context, store *history.SQLiteStore) error {
				httpClient, err := httpclient.New(httpclient.Options{Proxy: cfg.Proxy})
				if err != nil {
					return fmt.Errorf("create HTTP client: %w", err)
				}
				bucket, err := storage.New(ctx, storage.Config{
					Endpoint:   cfg.Storage.Endpoint,
					Bucket:     cfg.Storage.Bucket,
					Region:     cfg.Storage.Region,
					AccessKey:  cfg.Storage.AccessKey,
					SecretKey:  cfg.Storage.SecretKey,
					HTTPClient: httpClient,
				}, logger)
				if err != nil {
					return err
				}
				return purgeOrphans(ctx, store, bucket, dryRun, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be deleted")
	return cmd
}

func purgeOrphans(ctx context.Context, store *history.SQLiteStore, bucket objectDeleter, dryRun bool, out io.Writer) error {
	orphans, err := store.ListOrphans(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Fprintln(out, "No orphaned uploads.")
		return nil
	}

	var purged, failed int
	for _, rec := range orphans {
		if rec.ObjectName == "" {
			continue
		}

		info, err := bucket.HeadObject(ctx, rec.ObjectName)
		switch {
		case errors.Is(err, storage.ErrObjectNotFound):
			fmt.Fprintf(out, "%s: already gone\n", rec.ObjectName)
		case err != nil:
			fmt.Fprintf(out, "%s: %v\n", rec.ObjectName, err)
			failed++
			continue
		case dryRun:
			fmt.Fprintf(out, "%s: would delete (%s)\n", rec.ObjectName, formatBytes(info.Size))
			continue
		default:
			if err := bucket.DeleteObject(ctx, rec.ObjectName); err != nil {
				fmt.Fprintf(out, "%s: %v\n", rec.ObjectName, err)
				failed++
				continue
			}
			fmt.Fprintf(out, "%s: deleted (%s)\n", rec.ObjectName, formatBytes(info.Size))
		}

		if dryRun {
			continue
		}
		if err := store.MarkPurged(ctx, rec.SessionID, time.Now()); err != nil {
			return err
		}
		purged++
	}

	if !dryRun {
		fmt.Fprintf(out, "Purged %d orphaned upload(s)\n", purged)
	}
	if failed > 0 {
		return fmt.Errorf("%d orphaned upload(s) could not be purged", failed)
	}
	return nil
}

func newUploadsPruneCmd(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old entries from the upload history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(opts, func(ctx context.Context, store *history.SQLiteStore) error {
				n, err := store.PruneOldEntries(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entr%s older than %s\n", n, plural(n, "y", "ies"), olderThan)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Remove entries finished before this age")
	return cmd
}

func withHistory(opts *globalOptions, fn func(ctx context.Context, store *history.SQLiteStore) error) error {
	cfg, _, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg, opts.logger(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return fn(ctx, store)
}

func openHistory(cfg *config.ClientConfig, logger zerolog.Logger) (*history.SQLiteStore, error) {
	dir, err := cfg.HistoryPath()
	if err != nil {
		return nil, err
	}
	return history.NewSQLiteStore(dir, logger)
}

func printRecords(out io.Writer, records []*history.Record, empty string) {
	if len(records) == 0 {
		fmt.Fprintln(out, empty)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tSTATUS\tFILE\tSIZE\tMODE\tDETAIL")
	for _, r := range records {
		detail := r.VideoID
		switch r.Status {
		case history.StatusFailed:
			detail = r.Reason
		case history.StatusOrphaned, history.StatusPurged:
			detail = r.ObjectName
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(r.FinishedAt), r.Status, r.FileName, formatBytes(r.SizeBytes), r.Mode, detail)
	}
	w.Flush()
}

func uploadMode(cfg *config.ClientConfig) string {
	if strings.TrimSpace(cfg.Upload.Mode) == "" {
		return string(upload.ModeDirect)
	}
	return cfg.Upload.Mode
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
