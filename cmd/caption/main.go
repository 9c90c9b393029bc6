// caption generates the reports of image files from the command line, without the HTTP server.
//
// Usage:
//
//	caption [-config medreport.yaml] [-model_dir dir] [-prompt text] [-output reports.parquet] image...
//
// Reports are printed as they are generated; with -output they are also saved to a Parquet file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/go-medreport/internal/config"
	"github.com/gomlx/go-medreport/pipeline"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "Configuration file. If empty medreport.yaml is looked for in . and /etc/medreport.")
	flagModelDir = flag.String("model_dir", "", "Model directory, overrides the configuration.")
	flagPrompt   = flag.String("prompt", "", "Text the reports start with.")
	flagOutput   = flag.String("output", "", "If set, Parquet file where the reports are saved.")
)

var (
	fileStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	reportStyle = lipgloss.NewStyle().PaddingLeft(2)
	errorStyle  = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// Result of one image, also the Parquet row.
type Result struct {
	File       string `parquet:"file"`
	Report     string `parquet:"report"`
	Error      string `parquet:"error"`
	DurationMs int64  `parquet:"duration_ms"`
}

type generator interface {
	Generate(ctx context.Context, image []byte, prompt string) (string, error)
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	defer klog.Flush()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := run(flag.Args()); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(images []string) error {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}
	if *flagModelDir != "" {
		cfg.Model.Dir = *flagModelDir
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p, err := pipeline.Load(ctx, cfg.Model, cfg.Generation)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	results := captionAll(ctx, p, images, *flagPrompt, func(r Result) { fmt.Println(render(r)) })
	if *flagOutput != "" {
		if err := writeResults(*flagOutput, results); err != nil {
			return err
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf("%d reports saved to %s", len(results), *flagOutput)))
	}
	return ctx.Err()
}

// captionAll generates the report of each image in order, calling report after each one. It stops early if
// ctx is cancelled.
func captionAll(ctx context.Context, g generator, images []string, prompt string, report func(Result)) []Result {
	results := make([]Result, 0, len(images))
	for _, path := range images {
		if ctx.Err() != nil {
			break
		}
		r := Result{File: path}
		start := time.Now()
		content, err := os.ReadFile(path)
		if err == nil {
			r.Report, err = g.Generate(ctx, content, prompt)
		}
		if err != nil {
			r.Error = err.Error()
		}
		r.DurationMs = time.Since(start).Milliseconds()
		results = append(results, r)
		if report != nil {
			report(r)
		}
	}
	return results
}

func render(r Result) string {
	header := fileStyle.Render(r.File) + " " + dimStyle.Render(fmt.Sprintf("(%d ms)", r.DurationMs))
	if r.Error != "" {
		return header + "\n" + errorStyle.Render("error: "+r.Error)
	}
	return header + "\n" + reportStyle.Render(r.Report)
}

func writeResults(path string, results []Result) error {
	if err := parquet.WriteFile(path, results); err != nil {
		return errors.Wrapf(err, "writing reports to %q", path)
	}
	return nil
}
