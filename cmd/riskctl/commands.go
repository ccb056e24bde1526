package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"riskgate/internal/riskgate"
)

type assetFlags struct {
	repo               string
	service            string
	owner              string
	environment        string
	criticality        string
	dataClassification string
}

func (a *assetFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&a.repo, "repo", "", "repository of the scanned asset")
	fs.StringVar(&a.service, "service", "", "service name")
	fs.StringVar(&a.owner, "owner", "", "owning team")
	fs.StringVar(&a.environment, "environment", "", "deployment environment")
	fs.StringVar(&a.criticality, "criticality", "tier1", "tier0..tier3")
	fs.StringVar(&a.dataClassification, "data-classification", "confidential", "public, internal, confidential or restricted")
	for _, name := range []string{"repo", "service", "owner", "environment"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (a *assetFlags) asset() riskgate.Asset {
	return riskgate.Asset{
		Repo:               a.repo,
		Service:            a.service,
		Owner:              a.owner,
		Environment:        a.environment,
		Criticality:        a.criticality,
		DataClassification: a.dataClassification,
	}
}

type toolInput struct {
	tool string
	path string
}

func parseInputs(pairs []string) ([]toolInput, error) {
	out := make([]toolInput, 0, len(pairs))
	for _, pair := range pairs {
		tool, path, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(tool) == "" || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("invalid --input value %q, want tool=path", pair)
		}
		out = append(out, toolInput{tool: strings.TrimSpace(tool), path: strings.TrimSpace(path)})
	}
	return out, nil
}

// loadReports reads every present artifact into a report request. Missing
// files are reported on w and skipped.
func loadReports(w io.Writer, inputs []toolInput, asset riskgate.Asset) ([]riskgate.ScannerReportRequest, error) {
	var reports []riskgate.ScannerReportRequest
	for _, in := range inputs {
		raw, err := os.ReadFile(in.path)
		if os.IsNotExist(err) {
			fmt.Fprintf(w, "skip missing artifact for tool=%s: %s\n", in.tool, in.path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s artifact: %w", in.tool, err)
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%s artifact %s is not valid json", in.tool, in.path)
		}
		abs, err := filepath.Abs(in.path)
		if err != nil {
			return nil, err
		}
		reports = append(reports, riskgate.ScannerReportRequest{
			Tool:        in.tool,
			Asset:       asset,
			Report:      json.RawMessage(raw),
			EvidenceURI: "file://" + abs,
		})
	}
	return reports, nil
}

func newIngestCmd(opts *globalOptions) *cobra.Command {
	var (
		asset  assetFlags
		inputs []string
		output string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest scanner artifacts and write the normalized findings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			pairs, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			reports, err := loadReports(out, pairs, asset.asset())
			if err != nil {
				return err
			}

			all := []riskgate.Finding{}
			for _, report := range reports {
				var resp riskgate.ScannerIngestResponse
				if err := client.postJSON(cmd.Context(), "/api/v1/ingest/scanner/report", nil, report, &resp); err != nil {
					return fmt.Errorf("ingest tool=%s: %w", report.Tool, err)
				}
				all = append(all, resp.Findings...)
				fmt.Fprintf(out, "ingested tool=%s findings=%d\n", report.Tool, len(resp.Findings))
			}

			if err := writeJSONFile(output, all); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote normalized findings: %s count=%d\n", output, len(all))
			return nil
		},
	}
	asset.bind(cmd)
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "tool=path pair, repeatable")
	cmd.Flags().StringVar(&output, "output", "", "normalized findings output file")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var (
		asset          assetFlags
		inputs         []string
		releaseID      string
		idempotencyKey string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit scanner artifacts as an async batch job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			pairs, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			reports, err := loadReports(out, pairs, asset.asset())
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				return fmt.Errorf("no scanner artifacts found")
			}
			req := riskgate.AsyncScannerBatchRequest{
				ReleaseID:    releaseID,
				Reports:      reports,
				AssetContext: riskgate.DefaultAssetContext(),
			}
			var headers map[string]string
			if idempotencyKey != "" {
				headers = map[string]string{"Idempotency-Key": idempotencyKey}
			}
			var resp riskgate.JobStatusResponse
			if err := client.postJSON(cmd.Context(), "/api/v1/jobs/scanner/batch", headers, req, &resp); err != nil {
				return err
			}
			fmt.Fprintf(out, "job_id=%s status=%s\n", resp.JobID, resp.Status)
			return nil
		},
	}
	asset.bind(cmd)
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "tool=path pair, repeatable")
	cmd.Flags().StringVar(&releaseID, "release-id", "", "release to evaluate")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key for resubmissions")
	_ = cmd.MarkFlagRequired("release-id")
	return cmd
}

func newJobCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			var resp riskgate.JobStatusResponse
			if err := client.getJSON(cmd.Context(), "/api/v1/jobs/"+args[0], &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newEvaluateCmd(opts *globalOptions) *cobra.Command {
	var (
		releaseID    string
		findingsPath string
		assetCtx     riskgate.AssetContext
	)
	def := riskgate.DefaultAssetContext()
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the gate for a release from a findings file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(findingsPath)
			if err != nil {
				return fmt.Errorf("read findings: %w", err)
			}
			var findings []riskgate.Finding
			if err := json.Unmarshal(raw, &findings); err != nil {
				return fmt.Errorf("parse findings %s: %w", findingsPath, err)
			}
			req := riskgate.GateEvaluateRequest{ReleaseID: releaseID, Findings: findings, AssetContext: assetCtx}
			var decision riskgate.GateDecision
			if err := client.postJSON(cmd.Context(), "/api/v1/gate/evaluate", nil, req, &decision); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&releaseID, "release-id", "", "release to evaluate")
	fs.StringVar(&findingsPath, "findings", "", "normalized findings JSON file")
	fs.BoolVar(&assetCtx.InternetFacing, "internet-facing", def.InternetFacing, "release is internet facing")
	fs.StringVar(&assetCtx.Environment, "environment", def.Environment, "dev, staging or prod")
	fs.StringVar(&assetCtx.DataClassification, "data-classification", def.DataClassification, "public, internal, confidential or restricted")
	_ = cmd.MarkFlagRequired("release-id")
	_ = cmd.MarkFlagRequired("findings")
	return cmd
}

func writeJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
