package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"sam3web/archive"
	"sam3web/history"
	"sam3web/replicate"
	"sam3web/task"
)

var batchOpts struct {
	videos      []string
	manifest    string
	prompt      string
	maskColor   string
	maskOpacity float64
	maskOnly    bool
	returnZip   bool
	concurrency int
	stagger     time.Duration
	extract     bool
	noHistory   bool
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Segment a batch of videos and record the results",
	Long: `Submit every video to the segmentation model, at most --concurrency at a
time and --stagger apart, then print one line per video.

Videos come from repeated --video flags and/or a --manifest file holding
one "<video-url> [label...]" per line. The batch is saved to the history
log when at least one video succeeded.`,
	RunE: runBatch,
}

func init() {
	addBatchFlags(batchCmd.Flags())
}

// addBatchFlags registers the batch options on f.
func addBatchFlags(f *pflag.FlagSet) {
	f.StringArrayVar(&batchOpts.videos, "video", nil, "video URL (repeatable)")
	f.StringVar(&batchOpts.manifest, "manifest", "", "file with one video per line, - for stdin")
	f.StringVar(&batchOpts.prompt, "prompt", "", "text prompt naming the object to segment (required)")
	f.StringVar(&batchOpts.maskColor, "mask-color", "red", "mask color")
	f.Float64Var(&batchOpts.maskOpacity, "mask-opacity", 0.8, "mask opacity between 0 and 1")
	f.BoolVar(&batchOpts.maskOnly, "mask-only", false, "return only the mask")
	f.BoolVar(&batchOpts.returnZip, "return-zip", false, "ask for a ZIP bundle instead of a video")
	f.IntVar(&batchOpts.concurrency, "concurrency", 0, "max videos in flight (default CONCURRENCY_LIMIT)")
	f.DurationVar(&batchOpts.stagger, "stagger", -1, "wait between launches (default STAGGER)")
	f.BoolVar(&batchOpts.extract, "extract", true, "unpack ZIP results into ZIP_DIR")
	f.BoolVar(&batchOpts.noHistory, "no-history", false, "do not write the batch to the history log")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	entries, err := collectEntries(cmd.InOrStdin())
	if err != nil {
		return err
	}
	tasks, err := task.BuildQueue(entries, task.Settings{
		Prompt:      batchOpts.prompt,
		MaskColor:   batchOpts.maskColor,
		MaskOpacity: batchOpts.maskOpacity,
		MaskOnly:    batchOpts.maskOnly,
		ReturnZip:   batchOpts.returnZip,
	})
	if err != nil {
		return err
	}

	limit := cfg.ConcurrencyLimit
	if batchOpts.concurrency != 0 {
		limit = batchOpts.concurrency
	}
	stagger := cfg.Stagger
	if batchOpts.stagger >= 0 {
		stagger = batchOpts.stagger
	}

	out := cmd.OutOrStdout()
	opts := []task.Option{task.WithObserver(&progressPrinter{w: out})}
	if batchOpts.returnZip && batchOpts.extract {
		extractor, err := archive.NewExtractor(cfg)
		if err != nil {
			return err
		}
		opts = append(opts, task.WithExtractor(extractor))
	}
	scheduler := task.NewScheduler(replicate.NewClient(cfg), opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{"tasks": len(tasks), "limit": limit, "stagger": stagger.String()}).Info("starting batch")
	outcomes, err := scheduler.RunBatch(ctx, tasks, limit, stagger)
	if err != nil {
		return err
	}

	rec, err := task.Aggregate(tasks, outcomes)
	if err != nil {
		return err
	}
	printSummary(out, tasks, outcomes)

	if !batchOpts.noHistory {
		store, err := history.NewStore(cfg.HistoryFile)
		if err != nil {
			return err
		}
		saved, ok, err := task.Persist(rec, store)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(out, "saved to history as %s\n", saved.ID)
		}
	}

	if !rec.HasOutput() {
		return errors.New("no video was processed successfully")
	}
	return nil
}

func collectEntries(stdin io.Reader) ([]task.Entry, error) {
	var entries []task.Entry
	for _, v := range batchOpts.videos {
		entries = append(entries, task.Entry{Index: len(entries) + 1, SourceRef: v})
	}
	if batchOpts.manifest == "" {
		return entries, nil
	}

	r := stdin
	if batchOpts.manifest != "-" {
		f, err := os.Open(batchOpts.manifest)
		if err != nil {
			return nil, fmt.Errorf("open manifest: %w", err)
		}
		defer f.Close()
		r = f
	}
	fromFile, err := ParseManifest(r)
	if err != nil {
		return nil, err
	}
	for _, e := range fromFile {
		e.Index = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, nil
}

// progressPrinter writes one line per task transition.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *progressPrinter) TaskLaunched(d task.Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%d] running   %s\n", d.Index, displayName(d))
}

func (p *progressPrinter) TaskSettled(d task.Descriptor, o task.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Succeeded() {
		fmt.Fprintf(p.w, "[%d] succeeded %s\n", d.Index, displayName(d))
		return
	}
	fmt.Fprintf(p.w, "[%d] failed    %s: %s\n", d.Index, displayName(d), o.Error)
}

func displayName(d task.Descriptor) string {
	if d.Label != "" {
		return d.Label
	}
	return d.SourceRef
}

func printSummary(w io.Writer, tasks []task.Descriptor, outcomes []task.Outcome) {
	succeeded := 0
	fmt.Fprintln(w)
	for i, o := range outcomes {
		d := tasks[i]
		switch {
		case o.Succeeded():
			succeeded++
			name := replicate.OutputFilename(d.SourceRef, d.Settings.Prompt, d.Settings.ReturnZip, time.Now())
			fmt.Fprintf(w, "%d. %s\n   %s\n   %s\n", d.Index, displayName(d), o.ResultRef, name)
			if o.Archive != nil {
				fmt.Fprintf(w, "   extracted %d files (%d images) to %s\n", o.Archive.FileCount, o.Archive.ImageCount, o.Archive.ExtractPath)
			}
		case task.IsRateLimited(o.Err):
			fmt.Fprintf(w, "%d. %s\n   too many requests, retry later\n", d.Index, displayName(d))
		default:
			fmt.Fprintf(w, "%d. %s\n   error: %s\n", d.Index, displayName(d), o.Error)
		}
	}
	fmt.Fprintf(w, "\n%d of %d videos succeeded\n", succeeded, len(outcomes))
}
