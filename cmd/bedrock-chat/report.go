package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Laisky/errors/v2"
	"gopkg.in/yaml.v3"
)

const maxReplyChars = 120

// reportRow is one model in the yaml report.
type reportRow struct {
	Model    string `yaml:"model"`
	Status   string `yaml:"status"`
	Duration string `yaml:"duration"`
	Reply    string `yaml:"reply,omitempty"`
	Error    string `yaml:"error,omitempty"`
}

type report struct {
	Results []reportRow `yaml:"results"`
	Passed  int         `yaml:"passed"`
	Failed  int         `yaml:"failed"`
}

// writeReport prints results in the given format and returns the number of failures.
func writeReport(w io.Writer, format string, results []chatResult) (int, error) {
	switch format {
	case formatYAML:
		return renderYAML(w, results)
	default:
		return renderReport(w, results), nil
	}
}

// renderReport prints one row per model and returns the number of failures.
func renderReport(w io.Writer, results []chatResult) int {
	if len(results) == 0 {
		fmt.Fprintln(w, "no models to report")
		return 0
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Model\tStatus\tDuration\tReply")

	failed := 0
	for _, res := range results {
		status, reply := "ok", res.Text
		if res.Err != nil {
			failed++
			status, reply = "failed", res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Model, status, res.Duration.Round(time.Millisecond), truncate(reply, maxReplyChars))
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\nTotals  | Models: %d | Passed: %d | Failed: %d\n",
		len(results), len(results)-failed, failed)
	return failed
}

// renderYAML prints the full, untruncated replies as a yaml document.
func renderYAML(w io.Writer, results []chatResult) (int, error) {
	rep := report{Results: make([]reportRow, 0, len(results))}
	for _, res := range results {
		row := reportRow{
			Model:    res.Model,
			Status:   "ok",
			Duration: res.Duration.Round(time.Millisecond).String(),
			Reply:    res.Text,
		}
		if res.Err != nil {
			rep.Failed++
			row.Status, row.Reply, row.Error = "failed", "", res.Err.Error()
		} else {
			rep.Passed++
		}
		rep.Results = append(rep.Results, row)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(rep); err != nil {
		return rep.Failed, errors.Wrap(err, "encode yaml report")
	}
	if err := enc.Close(); err != nil {
		return rep.Failed, errors.Wrap(err, "close yaml encoder")
	}
	return rep.Failed, nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
