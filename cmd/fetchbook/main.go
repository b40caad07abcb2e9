// Package main は書籍のページ画像をダウンロードする CLI です。
//
//	fetchbook [-s start] [-e end] [-o dir] [-n] [-q] [-pdf] <book URL or id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/yourusername/page-forge/internal/asyncjobs"
	"github.com/yourusername/page-forge/internal/config"
	"github.com/yourusername/page-forge/internal/download"
	"github.com/yourusername/page-forge/internal/logging"
	"github.com/yourusername/page-forge/internal/pdf"
	"github.com/yourusername/page-forge/internal/storage"
)

const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

type options struct {
	start     int
	end       int
	outputDir string
	noRedo    bool
	quiet     bool
	pdf       bool
	target    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("fetchbook", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{}
	fs.IntVar(&opts.start, "s", 0, "first page to download (1-based)")
	fs.IntVar(&opts.end, "e", 0, "last page to download (1-based, inclusive)")
	fs.StringVar(&opts.outputDir, "o", "", "output directory (default: \"<author> - <title>\")")
	fs.BoolVar(&opts.noRedo, "n", false, "do not re-download pages that already exist")
	fs.BoolVar(&opts.quiet, "q", false, "quiet mode")
	fs.BoolVar(&opts.pdf, "pdf", false, "assemble the downloaded pages into a PDF")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: fetchbook [flags] <book URL or id>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("exactly one book URL or id is required")
	}
	opts.target = fs.Arg(0)
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	mode := logging.ModeDevelopment
	if opts.quiet {
		mode = logging.ModeQuiet
	}
	logger, err := logging.New(mode)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailed
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return exitFailed
	}

	req := download.Request{
		URL:          opts.target,
		PageStart:    opts.start,
		PageEnd:      opts.end,
		SkipExisting: opts.noRedo,
	}
	if opts.outputDir != "" {
		abs, err := filepath.Abs(opts.outputDir)
		if err != nil {
			logger.Error("invalid output directory", zap.Error(err))
			return exitFailed
		}
		req.OutputDir = abs
	}
	if err := req.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := asyncjobs.NewLoop(logger)
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	loop.Start(loopCtx)
	defer loop.Close()

	runner := asyncjobs.NewRunner(loop, asyncjobs.Options{
		WorkerLimit: int64(cfg.WorkerLimit),
		Logger:      logger,
	})
	defer runner.Close()

	downloader := download.New(download.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.HTTPTimeout(),
	}, storage.NewLocal(cfg.OutputDir))

	progress := newProgressPrinter(stderr, opts.quiet)
	job := runner.Start("fetchbook", rootFactory(downloader, pdf.NewAssembler(), req, opts.pdf, progress), progress.listener())

	select {
	case <-job.Done():
	case <-ctx.Done():
		progress.clear()
		logger.Warn("interrupted, cancelling")
		job.Cancel()
		<-job.Done()
	}
	progress.clear()

	value, err := job.Result()
	switch {
	case job.State() == asyncjobs.StateCancelled:
		fmt.Fprintln(stderr, "cancelled")
		return exitCancelled
	case err != nil:
		fmt.Fprintln(stderr, "error:", err)
		return exitFailed
	}

	if res, ok := value.(*summary); ok {
		fmt.Fprintf(stdout, "%s: %d pages saved, %d skipped, %d restricted\n",
			res.download.Dir, len(res.download.Images)-res.download.Skipped, res.download.Skipped, len(res.download.Restricted))
		if res.pdf != nil {
			fmt.Fprintf(stdout, "PDF: %s (%d pages)\n", res.pdf.Path, res.pdf.Pages)
		}
	}
	return exitOK
}

// summary はルート手続きの結果です。
type summary struct {
	download *download.Result
	pdf      *pdf.Result
}

// rootFactory はダウンロードと、必要なら PDF の組み立てを順に行うルート手続きを作ります。
func rootFactory(d *download.Downloader, a *pdf.Assembler, req download.Request, wantPDF bool, rep download.Reporter) asyncjobs.Factory {
	return func(env *asyncjobs.Env) asyncjobs.Procedure {
		return asyncjobs.Func(func(y *asyncjobs.Yielder) (any, error) {
			res, err := asyncjobs.CallAs[*download.Result](y, d.DownloadBook(env, req, rep))
			if err != nil {
				return nil, err
			}
			out := &summary{download: res}
			if !wantPDF {
				return out, nil
			}
			if len(res.Images) == 0 {
				env.Debugf("No pages to assemble")
				return out, nil
			}
			env.Debugf("Assembling PDF")
			out.pdf, err = asyncjobs.AwaitAs[*pdf.Result](y, a.Task(res.Images, filepath.Join(res.Dir, res.PDFName)))
			if err != nil {
				return nil, err
			}
			env.Debugf("PDF written: %s", out.pdf.Path)
			return out, nil
		})
	}
}
