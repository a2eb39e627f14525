package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detectsvc/internal/broker"
	"detectsvc/internal/domain"
	"detectsvc/internal/infra"
)

var (
	jobBucket string
	jobKey    string
	jobChatID string
	jobID     string
	noJobID   bool
)

// enqueueCmd publishes a job message to the job queue.
var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a detection job",
	Long:  `Publish a job message {bucket, key, chatId, jobId} to the worker queue. A job id is generated unless --no-job-id is set.`,
	RunE:  runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVar(&jobBucket, "bucket", "", "bucket holding the image (default AWS_S3_BUCKET)")
	enqueueCmd.Flags().StringVar(&jobKey, "key", "", "object key of the image (required)")
	enqueueCmd.Flags().StringVar(&jobChatID, "chat-id", "", "routing key for the result (required)")
	enqueueCmd.Flags().StringVar(&jobID, "job-id", "", "correlation id echoed in the result")
	enqueueCmd.Flags().BoolVar(&noJobID, "no-job-id", false, "send the job without a job id")
	_ = enqueueCmd.MarkFlagRequired("key")
	_ = enqueueCmd.MarkFlagRequired("chat-id")
}

// buildJob assembles and validates the job from flags.
func buildJob(bucket, key, chatID, id string, withoutID bool) (domain.Job, error) {
	if bucket == "" {
		bucket = viper.GetString("aws_s3_bucket")
	}
	job := domain.Job{Bucket: bucket, Key: key, ChatID: chatID}
	if !withoutID {
		if id == "" {
			id = uuid.NewString()
		}
		job.JobID = &id
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	job, err := buildJob(jobBucket, jobKey, jobChatID, jobID, noJobID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	rabbitURL := viper.GetString("rabbit_url")
	queue := viper.GetString("jobs_queue")
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	pub := broker.NewPublisher(rabbitURL, "", nil)
	if err := pub.PublishRaw(ctx, "", queue, body); err != nil {
		return fmt.Errorf("enqueue to %s on %s: %w", queue, infra.MaskURL(rabbitURL), err)
	}

	if isJSONOutput() {
		return printJSON(cmd.OutOrStdout(), job)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s on %s (s3://%s/%s, chat %s)\n", job.CorrelationID(), queue, job.Bucket, job.Key, job.ChatID)
	return nil
}
