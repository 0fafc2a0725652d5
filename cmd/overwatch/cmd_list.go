package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/config"
	"github.com/yairfalse/overwatch/internal/filter"
	"github.com/yairfalse/overwatch/pkg/resource"
)

var (
	listText   string
	listBucket string
	listStart  string
	listEnd    string
	listSort   string
	listTypes  []string
	listLabels []string
	listOutput string
)

var listCmd = &cobra.Command{
	Use:   "list <role-arn>",
	Short: "List inventory records of a bound account",
	Long: `List the stored inventory of a bound account.

Buckets select by expiry date: today, this_week (midnight today through
midnight seven days later), expired, or custom with --start and --end. Dates are YYYY-MM-DD in
query.timezone, or RFC3339.`,
	Example: `  overwatch list arn:aws:iam::123456789012:role/OverwatchAccess
  overwatch list arn:... --bucket this_week --sort -delete_after
  overwatch list arn:... --start 2025-01-01 --end 2025-01-31 --type ec2
  overwatch list arn:... -q ap-south --label team=data -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(listOutput); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		q, err := buildQuery(a.cfg)
		if err != nil {
			return err
		}
		records, err := a.manager.ListResources(cmd.Context(), resource.AccountRef(args[0]), q)
		if err != nil {
			return err
		}

		if listOutput == outputJSON {
			return printJSON(cmd.OutOrStdout(), records)
		}
		return printRecords(cmd.OutOrStdout(), records, a.cfg.Query.Location)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	f := listCmd.Flags()
	f.StringVarP(&listText, "query", "q", "", "Case-insensitive match on id, ARN, type or region")
	f.StringVarP(&listBucket, "bucket", "b", "", "Expiry bucket: all, today, this_week, expired, custom")
	f.StringVar(&listStart, "start", "", "Custom range start")
	f.StringVar(&listEnd, "end", "", "Custom range end (inclusive)")
	f.StringVarP(&listSort, "sort", "s", "", "Sort key: delete_after, resource_id, type, region, scanned_at (prefix - to reverse)")
	f.StringSliceVarP(&listTypes, "type", "t", nil, "Only these resource types")
	f.StringArrayVarP(&listLabels, "label", "l", nil, "Only records with this tag (key=value, repeatable)")
	f.StringVarP(&listOutput, "output", "o", outputTable, "Output format: table, json")
}

func buildQuery(cfg *config.Config) (filter.Query, error) {
	bucket, err := filter.ParseBucket(listBucket)
	if err != nil {
		return filter.Query{}, err
	}
	q := filter.Query{
		Text:     listText,
		Bucket:   bucket,
		Sort:     listSort,
		Types:    listTypes,
		Location: cfg.Query.Location,
	}

	if listStart != "" || listEnd != "" {
		if listStart == "" || listEnd == "" {
			return filter.Query{}, apperr.New(apperr.KindInvalidRange, "list", "--start and --end must be given together")
		}
		start, err := filter.ParseTime(listStart, q.Location)
		if err != nil {
			return filter.Query{}, err
		}
		end, err := filter.ParseTime(listEnd, q.Location)
		if err != nil {
			return filter.Query{}, err
		}
		q.Range = &filter.Range{Start: start, End: end}
		if q.Bucket == filter.BucketAll {
			q.Bucket = filter.BucketCustom
		}
	}

	labels, err := parseLabels(listLabels)
	if err != nil {
		return filter.Query{}, err
	}
	q.Labels = labels
	return q, nil
}

func parseLabels(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(values))
	for _, v := range values {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" {
			return nil, apperr.New(apperr.KindInvalid, "list", "label %q must be key=value", v)
		}
		labels[k] = val
	}
	return labels, nil
}

func describeCount(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
