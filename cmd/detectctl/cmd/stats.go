package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"detectsvc/internal/adapter/repo"
	"detectsvc/internal/domain"
	"detectsvc/internal/infra"
)

var statsDays int

// statsCmd prints prediction statistics.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show prediction statistics",
	Long:  `Show the number of predictions, the average confidence score and label counts over the last N days.`,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "window size in days")
}

// openRepository connects to DATABASE_URL. SQL errors are logged to logOut.
// The caller closes the pool.
func openRepository(ctx context.Context, logOut io.Writer) (*repo.PredictionRepositoryPG, *pgxpool.Pool, error) {
	dbURL := viper.GetString("database_url")
	if dbURL == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect database: %w", err)
	}
	logger := zerolog.New(logOut).Level(zerolog.WarnLevel).With().Timestamp().Str("cmd", "detectctl").Logger()
	return repo.NewPredictionRepository(infra.NewSQLRunner(pool, logger)), pool, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsDays <= 0 {
		return errors.New("--days must be positive")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	predictions, pool, err := openRepository(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer pool.Close()

	summary, err := predictions.StatsSince(ctx, time.Now().UTC().AddDate(0, 0, -statsDays))
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(cmd.OutOrStdout(), summary)
	}
	return renderStats(cmd.OutOrStdout(), summary, statsDays)
}

func renderStats(w io.Writer, summary *domain.PredictionSummary, days int) error {
	fmt.Fprintf(w, "Predictions (last %d days): %d\n", days, summary.TotalPredictions)
	fmt.Fprintf(w, "Average confidence: %.2f\n\n", summary.AverageScore)
	if len(summary.LabelCounts) == 0 {
		fmt.Fprintln(w, "No detections")
		return nil
	}

	labels := make([]string, 0, len(summary.LabelCounts))
	for l := range summary.LabelCounts {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := summary.LabelCounts[labels[i]], summary.LabelCounts[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})

	table := tablewriter.NewWriter(w)
	table.Header("Label", "Count")
	for _, l := range labels {
		table.Append(l, strconv.Itoa(summary.LabelCounts[l]))
	}
	return table.Render()
}
