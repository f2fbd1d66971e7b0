package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/browser/dom"
	"github.com/xkilldash9x/partscout/internal/oracle"
	"github.com/xkilldash9x/partscout/internal/service"
	"github.com/xkilldash9x/partscout/internal/simplifier"
)

type replayOptions struct {
	identifier  string
	description string
	pageURL     string
	useLLM      bool
	listing     bool
}

type replayResolution struct {
	Target string `json:"target"`
	Rule   string `json:"rule,omitempty"`
	Tag    string `json:"tag,omitempty"`
	Error  string `json:"error,omitempty"`
}

type replayReport struct {
	URL        string            `json:"url"`
	Title      string            `json:"title,omitempty"`
	Elements   int               `json:"elements"`
	Listing    string            `json:"listing,omitempty"`
	Decision   schemas.Decision  `json:"decision"`
	Resolution *replayResolution `json:"resolution,omitempty"`
}

func newReplayCmd(state *appState) *cobra.Command {
	opts := &replayOptions{}
	replayCmd := &cobra.Command{
		Use:   "replay <file.html>",
		Short: "Decide one step against a saved page without a browser",
		Long: `Simplifies a saved HTML page, asks for the next action and resolves its
target against the page. Uses the heuristic unless --llm is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, state, opts, args[0])
		},
	}
	replayCmd.Flags().StringVar(&opts.identifier, "vin", "", "vehicle identifier")
	replayCmd.Flags().StringVar(&opts.description, "part", "", "part description")
	replayCmd.Flags().StringVar(&opts.pageURL, "url", "", "URL to report for the page (defaults to file://<path>)")
	replayCmd.Flags().BoolVar(&opts.useLLM, "llm", false, "ask the configured LLM provider")
	replayCmd.Flags().BoolVar(&opts.listing, "listing", false, "include the rendered element listing")
	return replayCmd
}

func runReplay(cmd *cobra.Command, state *appState, opts *replayOptions, path string) error {
	ctx := cmd.Context()
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read page: %w", err)
	}
	pageURL := opts.pageURL
	if pageURL == "" {
		pageURL = "file://" + path
	}

	doc, err := dom.NewStaticDocument(string(raw))
	if err != nil {
		return fmt.Errorf("failed to parse page: %w", err)
	}
	snapshot, err := simplifier.Simplify(string(raw), pageURL)
	if err != nil {
		return err
	}
	snapshot.Title = doc.Title()

	agentCfg := state.cfg.Agent()
	var decider schemas.Decider
	if opts.useLLM {
		o, client, err := service.InitializeDecider(ctx, state.cfg, state.logger)
		if err != nil {
			return err
		}
		if client != nil {
			defer client.Close()
		}
		decider = o
	} else {
		decider = oracle.New(nil, oracle.NewHeuristic(agentCfg.Credentials), oracle.Options{PromptBudget: agentCfg.PromptBudget}, state.logger)
	}

	goal := schemas.Goal{Identifier: strings.TrimSpace(opts.identifier), Description: strings.TrimSpace(opts.description)}
	report := replayReport{
		URL:      snapshot.URL,
		Title:    snapshot.Title,
		Elements: len(snapshot.Elements),
		Decision: decider.Decide(ctx, snapshot, goal),
	}
	if opts.listing {
		report.Listing = simplifier.Render(snapshot, agentCfg.PromptBudget)
	}
	if a := report.Decision.Action; a != nil && a.Target != "" {
		res := &replayResolution{Target: a.Target}
		el, rule, err := dom.NewResolver(state.logger).Resolve(ctx, doc, a.Target)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Rule = rule.String()
			res.Tag = el.Tag()
		}
		report.Resolution = res
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
