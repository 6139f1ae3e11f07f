package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/presigncheck/internal/fetch"
	"github.com/wesleyorama2/presigncheck/internal/session"
	"github.com/wesleyorama2/presigncheck/internal/signing"
)

// newDownloader builds the downloader used to fetch trigger payloads.
var newDownloader = func(sess *session.Context, cc signing.ClientConfig) fetch.Downloader {
	return fetch.NewS3Downloader(sess, cc)
}

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Download a payload named by an event and run against it",
		Long: `Fetch the run payload from S3, then run the upload load test with it.

The object is named either by an event document or by flags:

  presigncheck trigger --event event.json --bucket upload-target
  presigncheck trigger --from-bucket payloads --from-key 40mb.bin

The event may be {"bucket": "...", "file": "..."} or an S3 event
notification. Use --event - to read it from stdin. When --bucket is not
given the payload's bucket is also the upload target.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := readTarget(cmd)
			if err != nil {
				return err
			}

			cfg, err := loadRunConfig(cmd.Flags())
			if err != nil {
				return err
			}
			opts := readRunOptions(cmd.Flags())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sessions := newSessionProvider(cfg, opts.skipIdentity)
			sess, err := sessions.Create(ctx, cfg.Profile)
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}

			workDir := cfg.WorkDir
			if workDir == "" {
				workDir = filepath.Join(os.TempDir(), "presigncheck")
			}
			fetcher := fetch.New(newDownloader(sess, clientConfig(cfg)), workDir, logger)
			path, err := fetcher.Fetch(ctx, target)
			if err != nil {
				return err
			}

			cfg.Source = path
			cfg.PayloadSize = 0
			if cfg.Bucket == "" {
				cfg.Bucket = target.Bucket
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// The session is cached, so executeRun reuses it.
			return executeRun(ctx, cmd.OutOrStdout(), cfg, sessions, opts)
		},
	}

	addRunFlags(cmd.Flags())
	cmd.Flags().StringP("event", "e", "", "Event document naming the payload object (- for stdin)")
	cmd.Flags().String("from-bucket", "", "Bucket holding the payload")
	cmd.Flags().String("from-key", "", "Key of the payload object")
	return cmd
}

func readTarget(cmd *cobra.Command) (fetch.Target, error) {
	eventPath, _ := cmd.Flags().GetString("event")
	fromBucket, _ := cmd.Flags().GetString("from-bucket")
	fromKey, _ := cmd.Flags().GetString("from-key")

	if eventPath == "" {
		if fromBucket == "" || fromKey == "" {
			return fetch.Target{}, fmt.Errorf("either --event or both --from-bucket and --from-key are required")
		}
		return fetch.Target{Bucket: fromBucket, Key: fromKey}, nil
	}

	var data []byte
	var err error
	if eventPath == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(eventPath)
	}
	if err != nil {
		return fetch.Target{}, fmt.Errorf("failed to read event: %w", err)
	}
	return fetch.ParseEvent(data)
}
