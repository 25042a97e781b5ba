package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/parapetlabs/parapet/pkg/config"
	"github.com/parapetlabs/parapet/pkg/features"
	"github.com/parapetlabs/parapet/pkg/routing"
	"github.com/parapetlabs/parapet/pkg/rules"
	"github.com/parapetlabs/parapet/pkg/scoring"
	"github.com/parapetlabs/parapet/pkg/session"
)

// Expect lists the assertions a replayed session must satisfy. Zero
// fields are not checked.
type Expect struct {
	Decision      string   `json:"decision,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	MinScore      int      `json:"min_score,omitempty"`
	LabelsInclude []string `json:"labels_include,omitempty"`
}

// Case is one recorded session plus its expected outcome.
type Case struct {
	Name      string          `json:"name"`
	SessionID string          `json:"session_id,omitempty"`
	Events    []session.Event `json:"events"`
	Expect    Expect          `json:"expect"`
}

type caseFile struct {
	Cases []Case `json:"cases"`
}

// outcome is the replayed decision for one case plus everything that
// diverged from the expectation.
type outcome struct {
	name     string
	decision routing.Decision
	problems []string
}

func main() {
	casesPath := flag.String("cases", "", "JSON case file with per-case expectations")
	eventsPath := flag.String("events", "", "JSONL event log, one session per session_id")
	expectDecision := flag.String("expect-decision", "", "decision every session must produce")
	expectSeverity := flag.String("expect-severity", "", "severity every session must produce")
	minScore := flag.Int("min-score", 0, "minimum final score for every session")
	expectLabels := flag.String("expect-labels", "", "comma-separated labels every session must carry")
	workers := flag.Int("workers", 4, "sessions replayed concurrently")
	verbose := flag.Bool("v", false, "print labels and top reason per case")
	flag.Parse()

	if (*casesPath == "") == (*eventsPath == "") {
		fmt.Fprintln(os.Stderr, "usage: replay -cases cases.json")
		fmt.Fprintln(os.Stderr, "       replay -events events.jsonl [-expect-decision d] [-expect-severity s] [-min-score n] [-expect-labels a,b]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}

	var cases []Case
	if *casesPath != "" {
		cases, err = loadCases(*casesPath)
	} else {
		exp := Expect{
			Decision:      *expectDecision,
			Severity:      *expectSeverity,
			MinScore:      *minScore,
			LabelsInclude: splitLabels(*expectLabels),
		}
		cases, err = casesFromJSONL(*eventsPath, exp)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}

	results, err := runCases(cfg, cases, *workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		os.Exit(2)
	}
	os.Exit(report(os.Stdout, results, *verbose))
}

// loadCases reads a case file. An empty case list is an error; a silent
// zero-case pass hides a bad path more often than it means one.
func loadCases(path string) ([]Case, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f caseFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Cases) == 0 {
		return nil, fmt.Errorf("%s: no cases", path)
	}
	return f.Cases, nil
}

// casesFromJSONL groups an event log into one case per session id, in
// first-seen order, all sharing the flag-supplied expectation.
func casesFromJSONL(path string, exp Expect) ([]Case, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bySession := map[string][]session.Event{}
	order := []string{}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var ev session.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		sid := session.NormalizeSessionID(ev.SessionID)
		if _, seen := bySession[sid]; !seen {
			order = append(order, sid)
		}
		bySession[sid] = append(bySession[sid], ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("%s: no events", path)
	}

	cases := make([]Case, 0, len(order))
	for _, sid := range order {
		cases = append(cases, Case{Name: sid, SessionID: sid, Events: bySession[sid], Expect: exp})
	}
	return cases, nil
}

// runCases replays every case through a pipeline built from cfg. The
// engine and router are shared; both are read-only after construction.
func runCases(cfg *config.Config, cases []Case, workers int) ([]outcome, error) {
	engine := buildEngine(cfg)
	router := buildRouter(cfg)

	if workers < 1 {
		workers = 1
	}
	results := make([]outcome, len(cases))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, c := range cases {
		g.Go(func() error {
			results[i] = evaluate(engine, router, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// evaluate scores one case and checks its expectation. The case's
// events are rewritten onto a single session id before scoring so a
// case file can splice events from mixed recordings.
func evaluate(engine *scoring.Engine, router *routing.Router, c Case) outcome {
	sid := c.SessionID
	if sid == "" && len(c.Events) > 0 {
		sid = c.Events[0].SessionID
	}
	if sid == "" {
		sid = c.Name
	}
	sid = session.NormalizeSessionID(sid)

	name := c.Name
	if name == "" {
		name = sid
	}

	events := make([]session.Event, len(c.Events))
	copy(events, c.Events)
	for i := range events {
		events[i].SessionID = sid
	}

	res, bundle := engine.Score(events)
	out := outcome{name: name, decision: router.Route(sid, res, bundle)}

	if len(c.Events) == 0 {
		out.problems = append(out.problems, "case has no events")
		return out
	}

	exp := c.Expect
	if exp.Decision != "" && out.decision.Decision != exp.Decision {
		out.problems = append(out.problems, fmt.Sprintf("decision %s, want %s", out.decision.Decision, exp.Decision))
	}
	if exp.Severity != "" && out.decision.Severity != exp.Severity {
		out.problems = append(out.problems, fmt.Sprintf("severity %s, want %s", out.decision.Severity, exp.Severity))
	}
	if out.decision.Score < exp.MinScore {
		out.problems = append(out.problems, fmt.Sprintf("score %d, want >= %d", out.decision.Score, exp.MinScore))
	}
	for _, label := range exp.LabelsInclude {
		if !containsLabel(out.decision.Labels, label) {
			out.problems = append(out.problems, "missing label "+label)
		}
	}
	return out
}

// report prints one line per case and a summary. Exit code 1 means at
// least one case diverged.
func report(w io.Writer, results []outcome, verbose bool) int {
	failed := 0
	for _, r := range results {
		status := "ok  "
		if len(r.problems) > 0 {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(w, "%s %-28s decision=%-6s score=%-3d severity=%s\n",
			status, r.name, r.decision.Decision, r.decision.Score, r.decision.Severity)
		if verbose {
			fmt.Fprintf(w, "     labels=%s top_reason=%s\n",
				strings.Join(r.decision.Labels, ","), r.decision.TopReason)
		}
		for _, p := range r.problems {
			fmt.Fprintf(w, "     - %s\n", p)
		}
	}
	fmt.Fprintf(w, "\nreplay: %d cases, %d ok, %d failed\n", len(results), len(results)-failed, failed)
	if failed > 0 {
		return 1
	}
	return 0
}

func buildEngine(cfg *config.Config) *scoring.Engine {
	xopts := []features.Option{
		features.WithRephraseThreshold(cfg.RephraseThreshold),
		features.WithRephraseWindow(cfg.RephraseWindow),
	}
	if len(cfg.Keywords) > 0 {
		xopts = append(xopts, features.WithKeywords(cfg.Keywords))
	}
	return scoring.NewEngine(
		scoring.WithExtractor(features.NewExtractor(xopts...)),
		scoring.WithRules(rules.TunedRules(cfg.Thresholds)),
		scoring.WithWeights(cfg.Weights),
		scoring.WithBands(cfg.Bands),
		scoring.WithBaseline(cfg.Baseline),
		scoring.WithCap(cfg.Cap),
	)
}

func buildRouter(cfg *config.Config) *routing.Router {
	ropts := []routing.RouterOption{
		routing.WithBlockScore(cfg.BlockScore),
		routing.WithReviewScore(cfg.ReviewScore),
	}
	if len(cfg.BlockLabels) > 0 {
		ropts = append(ropts, routing.WithBlockLabels(cfg.BlockLabels))
	}
	if len(cfg.ReviewLabels) > 0 {
		ropts = append(ropts, routing.WithReviewLabels(cfg.ReviewLabels))
	}
	return routing.NewRouter(ropts...)
}

func splitLabels(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	labels := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			labels = append(labels, part)
		}
	}
	return labels
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
