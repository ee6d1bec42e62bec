package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/speedprobe/internal/client"
	"github.com/NodePath81/speedprobe/internal/config"
	"github.com/NodePath81/speedprobe/internal/probe"
	"github.com/NodePath81/speedprobe/internal/util"
	"github.com/schollz/progressbar/v3"
)

func runMeasure(args []string) int {
	fs := flag.NewFlagSet("measure", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8000/speedtest", "Probe endpoint")
	mode := fs.String("mode", "both", "download, upload or both")
	chunk := fs.String("chunk", "10mib", "Upload chunk size")
	duration := fs.Duration("duration", probe.DefaultPhaseDuration, "Server phase duration")
	interval := fs.Duration("interval", probe.DefaultSampleInterval, "Server sample interval")
	grace := fs.Duration("grace", client.DefaultGrace, "Idle time after which a phase is considered over")
	origin := fs.String("origin", "", "Origin header to send")
	logLevel := fs.String("log-level", "warn", "Log level")
	_ = fs.Parse(args)

	logger, err := util.NewLoggerWith(os.Stderr, *logLevel, "text")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		return 2
	}
	chunkSize, err := config.ParseSize(*chunk)
	if err != nil || chunkSize <= 0 {
		fmt.Fprintf(os.Stderr, "invalid chunk size %q\n", *chunk)
		return 2
	}
	var kinds []probe.Kind
	switch *mode {
	case "download":
		kinds = []probe.Kind{probe.KindDownload}
	case "upload":
		kinds = []probe.Kind{probe.KindUpload}
	case "both":
		kinds = []probe.Kind{probe.KindDownload, probe.KindUpload}
	default:
		fmt.Fprintf(os.Stderr, "invalid mode %q\n", *mode)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bar *progressbar.ProgressBar
	c, err := client.Dial(ctx, client.Options{
		URL:           *url,
		Origin:        *origin,
		ChunkSize:     int(chunkSize),
		PhaseDuration: *duration,
		Grace:         *grace,
		Logger:        logger,
		OnSample: func(kind probe.Kind, speed float64) {
			if bar == nil {
				return
			}
			bar.Describe(fmt.Sprintf("%-8s %8.2f Mbps", kind.String(), speed))
			if bar.State().CurrentNum >= bar.GetMax64() {
				bar.ChangeMax64(bar.GetMax64() + 1)
			}
			_ = bar.Add(1)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer c.Close()

	expected := int(math.Ceil(float64(*duration) / float64(*interval)))
	for _, kind := range kinds {
		bar = progressbar.NewOptions(expected,
			progressbar.OptionSetDescription(kind.String()),
			progressbar.OptionSetWidth(20),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
		)
		var res client.Result
		if kind == probe.KindDownload {
			res, err = c.Download(ctx)
		} else {
			res, err = c.Upload(ctx)
		}
		_ = bar.Finish()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed: %v\n", kind.String(), err)
			return 1
		}
		printResult(res)
	}
	return 0
}

func printResult(res client.Result) {
	fmt.Printf("%-8s mean %.2f Mbps  max %.2f Mbps  %d samples  %s in %s\n",
		res.Kind.String(), res.Mean(), res.Max(), len(res.Speeds),
		util.FormatBytes(float64(res.Bytes)), util.FormatSeconds(res.Elapsed.Seconds()))
}
