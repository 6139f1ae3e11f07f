package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/presigncheck/internal/performance/config"
	"github.com/wesleyorama2/presigncheck/internal/signing"
)

// signedLink is the JSON form printed by sign --json.
type signedLink struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	IssuedAt  time.Time         `json:"issuedAt"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

func newSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Issue a single presigned link",
		Long: `Issue one presigned PUT or GET link and print it.

  presigncheck sign --bucket my-bucket --key docs/a.pdf --content-type application/pdf
  presigncheck sign --method GET --bucket my-bucket --key docs/a.pdf --ttl 5m`,
		Args: cobra.NoArgs,
		RunE: runSign,
	}

	cmd.Flags().String("bucket", "", "Bucket name")
	cmd.Flags().String("key", "", "Object key")
	cmd.Flags().StringP("method", "X", "PUT", "Operation the link is signed for (PUT or GET)")
	cmd.Flags().String("content-type", "", "Content type bound into the link (required for PUT)")
	cmd.Flags().String("ttl", "10s", "Link validity (e.g. 10s, 5m, or seconds)")
	cmd.Flags().String("profile", "", "AWS shared config profile")
	cmd.Flags().String("region", "", "AWS region")
	cmd.Flags().String("endpoint", "", "S3 endpoint override for S3-compatible services")
	cmd.Flags().Bool("path-style", false, "Use path-style addressing")
	cmd.Flags().Bool("skip-identity-check", false, "Do not call sts:GetCallerIdentity")
	cmd.Flags().Bool("json", false, "Print the link, headers and expiry as JSON")
	return cmd
}

func runSign(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	bucket, _ := flags.GetString("bucket")
	key, _ := flags.GetString("key")
	method, _ := flags.GetString("method")
	contentType, _ := flags.GetString("content-type")
	ttlStr, _ := flags.GetString("ttl")
	skipIdentity, _ := flags.GetBool("skip-identity-check")
	asJSON, _ := flags.GetBool("json")

	ttl, err := config.ParseDurationString(ttlStr)
	if err != nil {
		return fmt.Errorf("invalid --ttl: %w", err)
	}

	cfg := &config.RunConfig{}
	cfg.Profile, _ = flags.GetString("profile")
	cfg.Region, _ = flags.GetString("region")
	cfg.Endpoint, _ = flags.GetString("endpoint")
	cfg.PathStyle, _ = flags.GetBool("path-style")

	req := signing.Request{
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		Operation:   signing.Operation(strings.ToUpper(method)),
		TTL:         ttl,
	}
	// Reject bad input before resolving credentials.
	if err := req.Validate(); err != nil {
		return err
	}

	sess, err := newSessionProvider(cfg, skipIdentity).Create(cmd.Context(), cfg.Profile)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	issuer, err := signing.NewProvider(clientConfig(cfg)).Get(sess)
	if err != nil {
		return fmt.Errorf("failed to create link issuer: %w", err)
	}

	link, err := issuer.Issue(cmd.Context(), req)
	if err != nil {
		return err
	}
	logger.Debug("Issued link",
		zap.String("operation", string(link.Operation)),
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Time("expires_at", link.ExpiresAt),
	)

	out := cmd.OutOrStdout()
	if !asJSON {
		fmt.Fprintln(out, link.URL)
		return nil
	}

	headers := make(map[string]string, len(link.SignedHeaders))
	for name := range link.SignedHeaders {
		headers[name] = link.SignedHeaders.Get(name)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(signedLink{
		URL:       link.URL,
		Method:    link.Method,
		Headers:   headers,
		IssuedAt:  link.IssuedAt,
		ExpiresAt: link.ExpiresAt,
	})
}
