package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	url      string
	token    string
	attempts int
	backoff  time.Duration
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:          "riskctl",
		Short:        "Client for the release risk gate API",
		SilenceUsage: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.url, "url", getenvCLI("RISKGATE_URL", "http://localhost:8080"), "riskd base url")
	pf.StringVar(&opts.token, "token", getenvCLI("RISKGATE_API_TOKEN", "dev-token"), "api token")
	pf.IntVar(&opts.attempts, "attempts", 3, "attempts per request")
	pf.DurationVar(&opts.backoff, "backoff", 500*time.Millisecond, "initial retry delay")
	pf.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per request timeout")

	cmd.AddCommand(
		newSubmitCmd(opts),
		newJobCmd(opts),
		newIngestCmd(opts),
		newEvaluateCmd(opts),
	)
	return cmd
}

func (o *globalOptions) client() (*apiClient, error) {
	base, err := validateAPIBase(o.url)
	if err != nil {
		return nil, err
	}
	return newAPIClient(base, o.token, o.attempts, o.backoff, o.timeout), nil
}

func validateAPIBase(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("url must use http or https, got %q", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url must include a host, got %q", raw)
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func getenvCLI(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
