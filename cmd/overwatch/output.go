package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func validateOutput(format string) error {
	if format != outputTable && format != outputJSON {
		return apperr.New(apperr.KindInvalid, "output", "invalid output format %q (must be table or json)", format)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecords(w io.Writer, records []resource.Record, loc *time.Location) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "No resources found.")
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tTYPE\tREGION\tDELETE AFTER\tLAST SEEN")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ResourceID, r.Type, r.Region,
			r.DeleteAfter.In(loc).Format("2006-01-02 15:04"),
			r.ScannedAt.In(loc).Format("2006-01-02 15:04"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%s\n", describeCount(len(records), "resource"))
	return nil
}
