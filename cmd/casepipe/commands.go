package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/casepipe/internal/audit"
	"github.com/kalambet/casepipe/internal/config"
	"github.com/kalambet/casepipe/internal/events"
	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/storage"
)

// withClient runs fn against the configured server.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *apiClient) error) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), c)
}

// --- case ---

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Create, list, show or delete cases",
}

var caseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new case",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return createCase(ctx, c, os.Stdout)
		})
	},
}

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return listCases(ctx, c, os.Stdout)
		})
	},
}

var caseShowCmd = &cobra.Command{
	Use:   "show <caseID>",
	Short: "Show a case with its files, transcripts and latest analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return showCase(ctx, c, os.Stdout, args[0])
		})
	},
}

var caseDeleteCmd = &cobra.Command{
	Use:   "delete <caseID>",
	Short: "Delete a case and its stored files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.delete(ctx, "/cases/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Deleted case %s", args[0])
			return nil
		})
	},
}

func init() {
	caseCmd.AddCommand(caseCreateCmd, caseListCmd, caseShowCmd, caseDeleteCmd)
}

func createCase(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.post(ctx, "/cases", nil)
	if err != nil {
		return err
	}
	var kase storage.Case
	if err := decodeJSON(resp, &kase); err != nil {
		return err
	}
	printSuccess("Created case %s", kase.Code)
	fmt.Fprintln(w, kase.ID)
	return nil
}

func listCases(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/cases")
	if err != nil {
		return err
	}
	var cases []storage.Case
	if err := decodeJSON(resp, &cases); err != nil {
		return err
	}
	if len(cases) == 0 {
		fmt.Fprintln(w, "No cases found.")
		return nil
	}
	for _, k := range cases {
		fmt.Fprintf(w, "%s  %-16s %-10s %s\n",
			colorize(colorCyan, k.ID),
			k.Code,
			k.Status,
			k.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return nil
}

func showCase(ctx context.Context, c *apiClient, w io.Writer, caseID string) error {
	resp, err := c.get(ctx, "/cases/"+url.PathEscape(caseID))
	if err != nil {
		return err
	}
	var d pipeline.CaseDetail
	if err := decodeJSON(resp, &d); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorBold, d.Code), d.Status, d.ID)
	fmt.Fprintf(w, "\nFiles (%d):\n", len(d.Files))
	for _, f := range d.Files {
		fmt.Fprintf(w, "  %s  %-10s %s (%s, %d bytes)\n", colorize(colorCyan, f.ID), f.Status, f.Filename, f.MediaType, f.Size)
		for _, a := range f.Artifacts {
			fmt.Fprintf(w, "    [%s] %s\n", a.Kind, preview(a.Content, 100))
		}
	}
	fmt.Fprintf(w, "\nTranscripts (%d):\n", len(d.Transcripts))
	for _, t := range d.Transcripts {
		fmt.Fprintf(w, "  %s  %-8s %s\n", t.CreatedAt.Local().Format(time.DateTime), t.Source, preview(t.Content, 100))
	}
	if d.LatestRun != nil {
		fmt.Fprintf(w, "\nLatest analysis: %s (%s/%s)\n", d.LatestRun.CreatedAt.Local().Format(time.DateTime), d.LatestRun.Provider, d.LatestRun.Model)
	}
	return nil
}

// --- upload / extract ---

var uploadCmd = &cobra.Command{
	Use:   "upload <caseID> <file>...",
	Short: "Upload files to a case",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return uploadFiles(ctx, c, os.Stdout, args[0], args[1:])
		})
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract <fileID>",
	Short: "Extract text from an uploaded file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.post(ctx, "/files/"+url.PathEscape(args[0])+"/process", nil)
			if err != nil {
				return err
			}
			var out map[string]string
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			printSuccess("File %s is %s", out["file_id"], out["status"])
			return nil
		})
	},
}

func uploadFiles(ctx context.Context, c *apiClient, w io.Writer, caseID string, paths []string) error {
	if len(paths) > pipeline.MaxFilesPerUpload {
		return usageError("at most %d files per upload", pipeline.MaxFilesPerUpload)
	}
	resp, err := c.upload(ctx, "/cases/"+url.PathEscape(caseID)+"/files", "files", paths)
	if err != nil {
		return err
	}
	var files []storage.File
	if err := decodeJSON(resp, &files); err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorCyan, f.ID), f.Status, f.Filename)
	}
	printSuccess("Uploaded %d file(s)", len(files))
	return nil
}

// --- note ---

var noteCmd = &cobra.Command{
	Use:   "note <caseID> <text>",
	Short: "Attach a typed note to a case",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return addNote(ctx, c, args[0], source, strings.Join(args[1:], " "))
		})
	},
}

func init() {
	noteCmd.Flags().String("source", string(storage.SourceNote), "transcript source: NOTE, UPLOAD or LIVE_MIC")
}

func addNote(ctx context.Context, c *apiClient, caseID, source, text string) error {
	resp, err := c.post(ctx, "/cases/"+url.PathEscape(caseID)+"/transcripts", map[string]string{
		"source":  source,
		"content": text,
	})
	if err != nil {
		return err
	}
	var t storage.Transcript
	if err := decodeJSON(resp, &t); err != nil {
		return err
	}
	printSuccess("Added %s transcript %s", t.Source, t.ID)
	return nil
}

// --- analyze / results ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <caseID>",
	Short: "Run analysis over everything attached to a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			printStep("Analyzing case %s", args[0])
			resp, err := c.post(ctx, "/cases/"+url.PathEscape(args[0])+"/analyze", nil)
			if err != nil {
				return err
			}
			var res pipeline.Result
			if err := decodeJSON(resp, &res); err != nil {
				return err
			}
			printSuccess("Analysis %s stored", res.Run.ID)
			return printAnalysis(os.Stdout, res.Output)
		})
	},
}

var resultsCmd = &cobra.Command{
	Use:   "results <caseID>",
	Short: "Show the latest analysis of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("json")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			resp, err := c.get(ctx, "/cases/"+url.PathEscape(args[0])+"/results")
			if err != nil {
				return err
			}
			var run storage.AnalysisRun
			if err := decodeJSON(resp, &run); err != nil {
				return err
			}
			if raw {
				return printJSON(os.Stdout, run)
			}
			return printAnalysis(os.Stdout, run.Output)
		})
	},
}

func init() {
	resultsCmd.Flags().Bool("json", false, "print the stored run as JSON")
}

type analysisSummary struct {
	RiskLevel        string `json:"riskLevel"`
	RiskRationale    string `json:"riskRationale"`
	ExecutiveSummary string `json:"executiveSummary"`
	AbnormalFindings []struct {
		Finding  string `json:"finding"`
		Severity string `json:"severity"`
		Source   string `json:"source"`
	} `json:"abnormalFindings"`
	RedFlags []struct {
		Flag              string `json:"flag"`
		Urgency           string `json:"urgency"`
		RecommendedAction string `json:"recommendedAction"`
	} `json:"redFlags"`
	ProviderDataGaps []struct {
		MissingItem  string `json:"missingItem"`
		WhyItMatters string `json:"whyItMatters"`
		Priority     string `json:"priority"`
	} `json:"providerDataGaps"`
}

// printAnalysis renders the well-known fields of an analysis and falls
// back to indented JSON for anything else.
func printAnalysis(w io.Writer, output json.RawMessage) error {
	var s analysisSummary
	if err := json.Unmarshal(output, &s); err != nil || (s.RiskLevel == "" && s.ExecutiveSummary == "") {
		var v any
		if err := json.Unmarshal(output, &v); err != nil {
			return fmt.Errorf("decoding analysis output: %w", err)
		}
		return printJSON(w, v)
	}

	if s.RiskLevel != "" {
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "Risk:"), s.RiskLevel)
	}
	if s.RiskRationale != "" {
		fmt.Fprintf(w, "  %s\n", s.RiskRationale)
	}
	if s.ExecutiveSummary != "" {
		fmt.Fprintf(w, "\n%s\n  %s\n", colorize(colorBold, "Summary:"), s.ExecutiveSummary)
	}
	if len(s.RedFlags) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(colorRed, "Red flags:"))
		for _, f := range s.RedFlags {
			fmt.Fprintf(w, "  - %s [%s]: %s\n", f.Flag, f.Urgency, f.RecommendedAction)
		}
	}
	if len(s.AbnormalFindings) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Abnormal findings:"))
		for _, f := range s.AbnormalFindings {
			fmt.Fprintf(w, "  - %s [%s] (%s)\n", f.Finding, f.Severity, f.Source)
		}
	}
	if len(s.ProviderDataGaps) > 0 {
		fmt.Fprintf(w, "\n%s\n", colorize(colorBold, "Data gaps:"))
		for _, g := range s.ProviderDataGaps {
			fmt.Fprintf(w, "  - %s [%s]: %s\n", g.MissingItem, g.Priority, g.WhyItMatters)
		}
	}
	return nil
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <caseID>",
	Short: "Stream status changes of a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return watchCase(ctx, c, os.Stdout, args[0])
		})
	},
}

func watchCase(ctx context.Context, c *apiClient, w io.Writer, caseID string) error {
	resp, err := c.get(ctx, "/cases/"+url.PathEscape(caseID)+"/events")
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}
	defer resp.Body.Close()

	printStep("Watching case %s (Ctrl-C to stop)", caseID)
	err = readEvents(resp.Body, func(data []byte) bool {
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			printWarning("skipping malformed event: %v", err)
			return true
		}
		subject := "case"
		if e.Kind == events.KindFile {
			subject = "file " + e.FileID
		}
		fmt.Fprintf(w, "%s  %-44s %s\n", e.At.Local().Format(time.TimeOnly), subject, colorize(statusColor(e.Status), e.Status))
		return true
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		caseID, _ := cmd.Flags().GetString("case")
		action, _ := cmd.Flags().GetString("action")
		return withClient(cmd, func(ctx context.Context, c *apiClient) error {
			return showAudit(ctx, c, os.Stdout, caseID, action)
		})
	},
}

func init() {
	auditCmd.Flags().String("case", "", "only entries for this case id")
	auditCmd.Flags().String("action", "", "only entries with this action (e.g. analyze_case)")
}

func showAudit(ctx context.Context, c *apiClient, w io.Writer, caseID, action string) error {
	q := url.Values{}
	if caseID != "" {
		q.Set("case_id", caseID)
	}
	if action != "" {
		q.Set("action", action)
	}
	path := "/audit"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var entries []audit.Entry
	if err := decodeJSON(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No audit entries.")
		return nil
	}
	for _, e := range entries {
		status := string(e.Status)
		switch e.Status {
		case audit.StatusFailure:
			status = colorize(colorRed, status)
		case audit.StatusWarning:
			status = colorize(colorYellow, status)
		}
		line := fmt.Sprintf("%s  %-16s %-8s %s", e.Time.Local().Format(time.DateTime), e.Action, status, e.ResourceID)
		if e.ErrorMessage != "" {
			line += "  " + e.ErrorMessage
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			if k.Secret {
				fmt.Printf("  %s = %s (env %s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
				continue
			}
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
