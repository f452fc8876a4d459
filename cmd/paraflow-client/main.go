package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/paraflow/paraflow/internal/client"
	"github.com/paraflow/paraflow/internal/config"
	"github.com/paraflow/paraflow/internal/observability"
	"github.com/paraflow/paraflow/internal/validation"
)

var Version = "1.0.0"

func main() {
	if len(os.Args) < 2 || os.Args[1] != "upload" {
		fmt.Fprintf(os.Stderr, "Usage: %s upload --file PATH [--host STR] [--port U16] [--threads N] [--secret STR]\n", os.Args[0])
		os.Exit(1)
	}

	defaults := config.DefaultClientConfig()

	flags := flag.NewFlagSet("upload", flag.ExitOnError)
	filePath := flags.String("file", "", "Path of the file to upload")
	host := flags.String("host", defaults.Host, "Server host")
	port := flags.Uint("port", uint(defaults.Port), "Server port")
	threads := flags.Int("threads", defaults.Threads, "Parallel worker connections")
	secret := flags.String("secret", defaults.Secret, "Shared password")
	flags.Parse(os.Args[2:])

	if err := validation.ValidateFilePath(*filePath, true); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := validation.ValidateRangeInt(*threads, 1, 64); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid thread count: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.ClientConfig{
		Host:    *host,
		Port:    uint16(*port),
		Threads: *threads,
		Secret:  *secret,
	}

	logger := observability.NewLogger("paraflow-client", Version, os.Stderr)

	uploader := &client.Uploader{
		FilePath:     *filePath,
		Addr:         cfg.ServerAddr(),
		Password:     cfg.Secret,
		Workers:      cfg.Threads,
		Logger:       logger,
		ShowProgress: true,
	}

	result, err := uploader.Run()
	if err != nil {
		var rejected *client.RejectedError
		switch {
		case errors.As(err, &rejected):
			fmt.Fprintf(os.Stderr, "❌ Upload Rejected: %s\n", rejected.Text)
			os.Exit(1)
		case errors.Is(err, client.ErrSetupFailed):
			fmt.Fprintf(os.Stderr, "❌ Connection Failed: %v\n", err)
			os.Exit(1)
		default:
			logger.Fatal(err, "Upload failed")
		}
	}

	fmt.Printf("Uploaded %s (%d chunks) as upload %s in %s\n",
		result.FileName, result.TotalChunks, result.UploadID, result.Elapsed.Round(time.Millisecond))
	fmt.Println("Done.")
}
