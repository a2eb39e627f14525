package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detectsvc/internal/objstore"
)

var (
	presignTTL    time.Duration
	presignBucket string
)

// classifyCmd shows how a reference string is resolved.
var classifyCmd = &cobra.Command{
	Use:   "classify <reference>",
	Short: "Show how a reference resolves",
	Long:  `Classify an HTTP(S) URL, s3://bucket/key URI or bare key the same way the service does.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

// presignCmd signs a read URL for an object key.
var presignCmd = &cobra.Command{
	Use:   "presign <key>",
	Short: "Print a time-limited read URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runPresign,
}

func init() {
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(presignCmd)

	presignCmd.Flags().DurationVar(&presignTTL, "ttl", 0, "URL lifetime (default PRESIGN_TTL_SECONDS)")
	presignCmd.Flags().StringVar(&presignBucket, "bucket", "", "sign against this bucket instead of AWS_S3_BUCKET")
}

type classification struct {
	Kind   string `json:"kind"`
	URL    string `json:"url,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
	Ext    string `json:"ext"`
}

func classify(raw string) (classification, error) {
	ref, err := objstore.Classify(raw)
	if err != nil {
		return classification{}, err
	}
	bucket := ref.Bucket
	if ref.Kind == objstore.KindBareKey {
		bucket = viper.GetString("aws_s3_bucket")
	}
	return classification{
		Kind:   ref.Kind.String(),
		URL:    ref.URL,
		Bucket: bucket,
		Key:    ref.Key,
		Ext:    ref.ExtOr(".jpg"),
	}, nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	c, err := classify(args[0])
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(cmd.OutOrStdout(), c)
	}
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Kind", "Bucket", "Key", "URL", "Ext")
	table.Append(c.Kind, c.Bucket, c.Key, c.URL, c.Ext)
	return table.Render()
}

func objectClient(ctx context.Context) (*objstore.Client, error) {
	return objstore.NewClient(ctx, objstore.Options{
		Bucket:          viper.GetString("aws_s3_bucket"),
		Region:          viper.GetString("aws_region"),
		Profile:         viper.GetString("aws_profile"),
		EndpointURL:     viper.GetString("aws_s3_endpoint_url"),
		AddressingStyle: viper.GetString("aws_s3_addressing_style"),
		Unsigned:        viper.GetBool("aws_s3_unsigned"),
	}, zerolog.Nop())
}

func runPresign(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	client, err := objectClient(ctx)
	if err != nil {
		return err
	}
	if presignBucket != "" && presignBucket != client.Bucket() {
		if client, err = client.Reconfigure(ctx, func(o *objstore.Options) { o.Bucket = presignBucket }); err != nil {
			return err
		}
	}
	ttl := presignTTL
	if ttl <= 0 {
		ttl = time.Duration(viper.GetInt("presign_ttl_seconds")) * time.Second
	}
	url, ok := client.PresignRead(ctx, args[0], ttl)
	if !ok {
		return errors.New("no credentials available to sign the URL")
	}
	if isJSONOutput() {
		return printJSON(cmd.OutOrStdout(), map[string]any{"key": args[0], "url": url, "expires_in": ttl.Seconds()})
	}
	fmt.Fprintln(cmd.OutOrStdout(), url)
	return nil
}
