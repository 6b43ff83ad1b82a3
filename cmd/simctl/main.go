package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/simgate/internal/api"
	"github.com/throw-if-null/simgate/internal/version"
)

var errEngineFailed = errors.New("engine reported failure")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simctl",
		Short: "Client for the simgate simulation service",
		Long: `simctl submits BPMN models to a running simgate service and inspects
its run history and license state.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("addr", fmt.Sprintf("%s:%d", api.DefaultHost, api.DefaultPort), "simgate address (host:port or URL)")
	// simulations queue behind each other, so the default is generous
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Minute, "HTTP request timeout")

	rootCmd.AddCommand(
		newVersionCmd(),
		newSimulateCmd(),
		newRunsCmd(),
		newRunCmd(),
		newLicenseCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "simctl %s (%s)\n", version.Version, version.Commit)
		},
	}
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulation and print the result model",
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath, _ := cmd.Flags().GetString("model")
			paramsPath, _ := cmd.Flags().GetString("params")
			diagram, _ := cmd.Flags().GetString("diagram")
			scenarios, _ := cmd.Flags().GetStringArray("scenario")
			outPath, _ := cmd.Flags().GetString("out")

			model, err := os.ReadFile(modelPath)
			if err != nil {
				return fmt.Errorf("reading model: %w", err)
			}
			req := api.SimulateRequest{BPMNModel: string(model), Scenarios: scenarios}
			if paramsPath != "" {
				params, err := os.ReadFile(paramsPath)
				if err != nil {
					return fmt.Errorf("reading params: %w", err)
				}
				p := string(params)
				req.BPSimModel = &p
			}
			switch indexSet := cmd.Flags().Changed("diagram-index"); {
			case indexSet && diagram != "":
				return errors.New("--diagram and --diagram-index are mutually exclusive")
			case indexSet:
				idx, _ := cmd.Flags().GetInt("diagram-index")
				req.Diagram = api.DiagramIndex(idx)
			case diagram != "":
				req.Diagram = api.DiagramName(diagram)
			}

			var res api.Result
			if err := doJSON(cmd, http.MethodPost, "/simulate", &req, &res); err != nil {
				return err
			}
			if res.Error {
				fmt.Fprintln(cmd.ErrOrStderr(), res.Result)
				return errEngineFailed
			}
			if outPath != "" {
				return os.WriteFile(outPath, []byte(res.Result), 0o644)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Result)
			return nil
		},
	}

	cmd.Flags().String("model", "", "Path to the BPMN model")
	cmd.Flags().String("params", "", "Path to a BPSim parameter document")
	cmd.Flags().String("diagram", "", "Diagram name, sent verbatim")
	cmd.Flags().Int("diagram-index", 0, "Diagram index")
	cmd.Flags().StringArray("scenario", nil, "Scenario to simulate (repeatable)")
	cmd.Flags().String("out", "", "Write the result model here instead of stdout")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent simulation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			var runs []api.Run
			if err := doJSON(cmd, http.MethodGet, fmt.Sprintf("/v1/runs?limit=%d", limit), nil, &runs); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range runs {
				code := "-"
				if r.ExitCode != nil {
					code = strconv.Itoa(*r.ExitCode)
				}
				fmt.Fprintf(w, "%s  %-9s  exit=%s  %s\n", r.RunID, r.Status, code, r.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list")
	return cmd
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show one simulation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run api.Run
			if err := doJSON(cmd, http.MethodGet, "/v1/runs/"+args[0], nil, &run); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
}

func newLicenseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "license",
		Short: "Show the engine license gate state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st api.LicenseStatus
			if err := doJSON(cmd, http.MethodGet, "/v1/license", nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

func doJSON(cmd *cobra.Command, method, path string, in, out any) error {
	addr, _ := cmd.Flags().GetString("addr")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return err
		}
		body = &buf
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, baseURL(addr)+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s: %s", resp.Status, bytes.TrimSpace(b))
	}
	return json.Unmarshal(b, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
