package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
)

const defaultServer = "http://localhost:8080"

func usage() {
	fmt.Fprintf(os.Stderr, `%s is a command line client for the birdwatch server.

Usage:
    %s upload -file video.mp4 [-url URL] [-retries 3] [-timeout 60] [-error-dir errors]
    %s status [-url URL]

Run '%s <command> -h' for the flags of a command.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch os.Args[1] {
	case "upload":
		err = runUpload(ctx, os.Args[2:])
	case "status":
		err = runStatus(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newDoer(timeout time.Duration, debug bool) goahttp.Doer {
	var doer goahttp.Doer = &http.Client{Timeout: timeout}
	if debug {
		doer = goahttp.NewDebugDoer(doer)
	}
	return doer
}

func runUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	var (
		fileF     = fs.String("file", "", "Path of the video to upload")
		urlF      = fs.String("url", defaultServer+"/api/upload", "Upload endpoint URL")
		retriesF  = fs.Int("retries", 3, "Number of attempts")
		timeoutF  = fs.Int("timeout", 60, "Request timeout in seconds")
		errorDirF = fs.String("error-dir", "errors", "Directory for failed response reports (empty to disable)")
		dbgF      = fs.Bool("debug", false, "Log request and response bodies")
	)
	fs.StringVar(fileF, "f", "", "Shorthand for -file")
	fs.Parse(args)

	if *fileF == "" {
		return fmt.Errorf("-file is required")
	}
	if info, err := os.Stat(*fileF); err != nil || info.IsDir() {
		return fmt.Errorf("file not found: %s", *fileF)
	}

	u := &uploader{
		doer:     newDoer(time.Duration(*timeoutF)*time.Second, *dbgF),
		url:      *urlF,
		retries:  max(1, *retriesF),
		errorDir: *errorDirF,
		out:      os.Stdout,
		sleep:    time.Sleep,
		now:      time.Now,
	}

	fmt.Printf("uploading %s -> %s\n", *fileF, *urlF)
	result, err := u.upload(ctx, *fileF)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return printJSON(os.Stdout, result)
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		urlF = fs.String("url", defaultServer, "Server base URL")
		dbgF = fs.Bool("debug", false, "Log request and response bodies")
	)
	fs.Parse(args)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(*urlF, "/")+"/api/stream/status", nil)
	if err != nil {
		return err
	}
	resp, err := newDoer(10*time.Second, *dbgF).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
	}

	var status map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("invalid status response: %w", err)
	}
	return printJSON(os.Stdout, status)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
