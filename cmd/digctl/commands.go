package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/dig/client"
)

func getCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <event-id>",
		Short: "Fetch one event by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			ev, err := api.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ev)
		},
	}
}

func traceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "trace <change-id>",
		Short: "Show the decision trace of a change",
		Long: `Show the decision trace of a change: the sessions and AI interactions
that produced it, its rollouts and outcomes, and its canonical status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			tr, err := api.Trace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRaw(cmd.OutOrStdout(), tr)
		},
	}
}

func eventsCmd(g *globals) *cobra.Command {
	var (
		typ, since, until, change string
		tags, fields              []string
		limit                     int
		after                     int64
		all                       bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events in ingestion order",
		Example: `  digctl events --type change --tag team=payments
  digctl events --field classification.risk_level=high --since 2026-01-01T00:00:00Z --all
  digctl events --change change_42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var events []client.StoredEvent
			if change != "" {
				events, err = api.ChangeEvents(ctx, change)
				if err != nil {
					return err
				}
			} else {
				opts := client.ListOptions{Type: typ, Limit: limit, AfterSequence: after}
				if opts.Tags, err = parsePairs("tag", tags); err != nil {
					return err
				}
				if opts.Fields, err = parsePairs("field", fields); err != nil {
					return err
				}
				if opts.Since, err = parseTime("since", since); err != nil {
					return err
				}
				if opts.Until, err = parseTime("until", until); err != nil {
					return err
				}
				events, err = listAll(ctx, api, opts, all)
				if err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if !g.useTable(w) {
				if events == nil {
					events = []client.StoredEvent{}
				}
				return printJSON(w, events)
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				h, err := ev.Header()
				if err != nil {
					return fmt.Errorf("decode event %d: %w", ev.Sequence, err)
				}
				rows = append(rows, []string{
					strconv.FormatInt(ev.Sequence, 10),
					h.ID,
					h.Type,
					h.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
			return printTable(w, []string{"SEQ", "ID", "TYPE", "CREATED"}, rows)
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "only events of this type")
	f.StringArrayVar(&tags, "tag", nil, "tag filter key=value (repeatable)")
	f.StringArrayVar(&fields, "field", nil, "field filter path=value (repeatable)")
	f.StringVar(&since, "since", "", "only events created at or after this RFC 3339 time")
	f.StringVar(&until, "until", "", "only events created before this RFC 3339 time")
	f.IntVar(&limit, "limit", 0, "page size (server default when zero)")
	f.Int64Var(&after, "after", 0, "resume after this sequence number")
	f.BoolVar(&all, "all", false, "follow pages until the listing is exhausted")
	f.StringVar(&change, "change", "", "list the events of one change instead")
	return cmd
}

// listAll fetches one page, or every page when follow is set.
func listAll(ctx context.Context, api *client.Client, opts client.ListOptions, follow bool) ([]client.StoredEvent, error) {
	var out []client.StoredEvent
	for {
		page, err := api.List(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if !follow || !page.HasMore {
			return out, nil
		}
		opts.AfterSequence = page.NextSequence
	}
}

func psrCmd(g *globals) *cobra.Command {
	var (
		groupBy      []string
		minSample    int
		since, until string
		aggTimeout   time.Duration
		samples      bool
	)
	cmd := &cobra.Command{
		Use:   "psr",
		Short: "Compute production survival rates",
		Long: `Compute the production survival rate (PSR) of changes, optionally grouped
by dimensions such as model_id, risk_level, change_type or tags.<key>.

Groups whose labeled sample is smaller than --min-sample report
insufficient_sample instead of a rate.`,
		Example: `  digctl psr --group-by model_id,risk_level
  digctl psr --group-by tags.team --since 2026-01-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			req := client.PSRRequest{
				GroupBy:        groupBy,
				MinSampleSize:  minSample,
				TimeoutMS:      int(aggTimeout / time.Millisecond),
				IncludeSamples: samples,
			}
			if req.Since, err = parseTime("since", since); err != nil {
				return err
			}
			if req.Until, err = parseTime("until", until); err != nil {
				return err
			}
			report, err := api.PSR(cmd.Context(), req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if !g.useTable(w) {
				return printJSON(w, report)
			}
			overall := report.Overall
			overall.Label = "(overall)"
			rows := make([][]string, 0, len(report.Groups)+1)
			for _, grp := range append(report.Groups, overall) {
				rows = append(rows, []string{
					grp.Label,
					strconv.Itoa(grp.Labeled),
					strconv.Itoa(grp.Survived),
					strconv.Itoa(grp.Unlabeled),
					formatPct(grp.PSR),
					grp.Status,
				})
			}
			if err := printTable(w, []string{"GROUP", "LABELED", "SURVIVED", "UNLABELED", "PSR", "STATUS"}, rows); err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "changes=%d observed=%d undeployed=%d unobserved=%d snapshot=%d\n",
				report.Changes, report.Observed, report.Undeployed, report.Unobserved, report.SnapshotSequence)
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&groupBy, "group-by", nil, "comma-separated grouping dimensions")
	f.IntVar(&minSample, "min-sample", 0, "minimum labeled sample per group (server default when zero)")
	f.StringVar(&since, "since", "", "only changes created at or after this RFC 3339 time")
	f.StringVar(&until, "until", "", "only changes created before this RFC 3339 time")
	f.DurationVar(&aggTimeout, "agg-timeout", 0, "server-side aggregation timeout")
	f.BoolVar(&samples, "samples", false, "include the change and outcome ids behind each group")
	return cmd
}

func matchCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "match [change-id]",
		Short: "Show the learnings that apply to a change",
		Long: `Show the learnings that apply to a change. Name a stored change by id, or
pass an unstored candidate change record with --file (JSON or YAML).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req client.MatchRequest
			switch {
			case len(args) == 1 && file != "":
				return errors.New("give either a change id or --file, not both")
			case len(args) == 1:
				req.ChangeID = args[0]
			case file != "":
				records, err := readRecordsFile(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				if len(records) != 1 {
					return fmt.Errorf("%s: want exactly one change record, found %d", file, len(records))
				}
				req.Change = records[0]
			default:
				return errors.New("a change id or --file is required")
			}

			api, err := g.client()
			if err != nil {
				return err
			}
			res, err := api.Match(cmd.Context(), req)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if !g.useTable(w) {
				return printJSON(w, res)
			}
			rows := make([][]string, 0, len(res.Matches))
			for _, m := range res.Matches {
				severity, message := "-", ""
				if m.Recommendation != nil {
					if m.Recommendation.Severity != "" {
						severity = m.Recommendation.Severity
					}
					message = truncate(m.Recommendation.Message, 60)
				}
				rows = append(rows, []string{
					m.LearningID,
					m.Name,
					strconv.FormatFloat(m.Confidence, 'f', 2, 64),
					strings.Join(m.MatchedConditions, ","),
					severity,
					message,
				})
			}
			return printTable(w, []string{"LEARNING", "NAME", "CONFIDENCE", "CONDITIONS", "SEVERITY", "MESSAGE"}, rows)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "candidate change record file (- for stdin)")
	return cmd
}

// learningSummary is the part of a learning record the table shows.
type learningSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Pattern   struct {
		Name       string                     `json:"name"`
		Conditions map[string]json.RawMessage `json:"conditions"`
		Confidence *float64                   `json:"confidence"`
	} `json:"pattern"`
}

func learningsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "learnings",
		Short: "List the active learnings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			events, err := api.Learnings(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if !g.useTable(w) {
				return printJSON(w, events)
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				var l learningSummary
				if err := json.Unmarshal(ev.Event, &l); err != nil {
					return fmt.Errorf("decode learning %d: %w", ev.Sequence, err)
				}
				keys := make([]string, 0, len(l.Pattern.Conditions))
				for k := range l.Pattern.Conditions {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				conf := "-"
				if l.Pattern.Confidence != nil {
					conf = strconv.FormatFloat(*l.Pattern.Confidence, 'f', 2, 64)
				}
				rows = append(rows, []string{
					l.ID,
					l.Pattern.Name,
					conf,
					strings.Join(keys, ","),
					l.CreatedAt.UTC().Format(time.RFC3339),
				})
			}
			return printTable(w, []string{"ID", "NAME", "CONFIDENCE", "CONDITIONS", "CREATED"}, rows)
		},
	}
}

func healthCmd(g *globals) *cobra.Command {
	var data bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health, or data health with --data",
		Long: `Check server liveness. With --data, run the data health report instead:
event counts, content-hash integrity, outcome coverage and dangling
references.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := g.client()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if data {
				report, err := api.DataHealth(cmd.Context())
				if err != nil {
					return err
				}
				return printRaw(w, report)
			}
			h, err := api.Health(cmd.Context())
			if err != nil {
				return err
			}
			if !g.useTable(w) {
				return printJSON(w, h)
			}
			return printTable(w, []string{"STATUS", "VERSION", "BACKEND", "STORE", "LATEST SEQ", "UPTIME"}, [][]string{{
				h.Status,
				h.Version,
				h.Backend,
				h.Store,
				strconv.FormatInt(h.LatestSequence, 10),
				(time.Duration(h.Uptime) * time.Second).String(),
			}})
		},
	}
	cmd.Flags().BoolVar(&data, "data", false, "report data health instead of liveness")
	return cmd
}

func versionCmd(g *globals) *cobra.Command {
	var server bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the digctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "digctl %s\n", version)
			if !server {
				return nil
			}
			api, err := g.client()
			if err != nil {
				return err
			}
			h, err := api.Health(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(w, "server %s (%s)\n", h.Version, h.Backend)
			return err
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "also print the server version")
	return cmd
}

// parsePairs turns repeated key=value flags into a map.
func parsePairs(flag string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--%s %q: want key=value", flag, p)
		}
		out[k] = v
	}
	return out, nil
}

func parseTime(flag, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &t, nil
}

// openInput opens path for reading; "-" is in.
func openInput(path string, in io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(in), nil
	}
	return os.Open(path)
}
