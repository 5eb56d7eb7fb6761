package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/cvehunter/internal/api"
	"github.com/kalambet/cvehunter/internal/config"
	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/notes"
	"github.com/kalambet/cvehunter/internal/pipeline"
	"github.com/kalambet/cvehunter/internal/storage"
)

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <cve-id>",
	Short: "Analyze a CVE in-process and print the result",
	Long: `Analyze a CVE in-process: look it up in NVD, summarize it with the
local model, store the row and write the markdown note.

Examples:
  cvehunter analyze CVE-2021-44228
  cvehunter analyze cve-2024-12345 --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		id, err := cve.Normalize(args[0])
		if err != nil {
			return errors.New(api.FormatMessage)
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("%s", api.InvestigatingMessage(id))
		res, err := a.hunter.Process(cmd.Context(), string(id))
		if err != nil {
			return fmt.Errorf("fatal error: %w", err)
		}
		if asJSON {
			return printJSON(res)
		}
		return reportResult(os.Stdout, res)
	},
}

func reportResult(w io.Writer, res pipeline.Result) error {
	if res.Status != pipeline.StatusSuccess {
		return fmt.Errorf("error: %s", res.Message)
	}
	writePanel(w, api.NewPanel(res))
	return nil
}

func init() {
	analyzeCmd.Flags().Bool("json", false, "print the raw result as JSON")
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <cve-id>",
	Short: "Submit a CVE to the running server and wait for the result panel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		view, err := runChat(ctx, client, args[0], time.Second)
		if err != nil {
			return err
		}
		if view.Panel == nil {
			return errors.New(view.Message)
		}
		writePanel(os.Stdout, *view.Panel)
		return nil
	},
}

func runChat(ctx context.Context, client *apiClient, raw string, interval time.Duration) (api.JobView, error) {
	ack, err := client.submitCVE(ctx, raw)
	if err != nil {
		return api.JobView{}, err
	}
	printStep("%s", ack.Message)
	return client.waitJob(ctx, ack.JobID, interval)
}

func init() {
	chatCmd.Flags().Duration("timeout", 3*time.Minute, "how long to wait for the analysis")
}

// --- list / show ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List analyzed CVEs, newest published first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		recs, err := a.store.ListCVEs(limit, 0)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No CVEs analyzed yet.")
			return nil
		}
		writeList(os.Stdout, recs)
		return nil
	},
}

func writeList(w io.Writer, recs []cve.Record) {
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %4.1f %-8s  %s\n",
			colorize(colorCyan, fmt.Sprintf("%-16s", r.ID)),
			r.Score,
			r.Severity,
			r.PublishedDate(),
		)
	}
}

var showCmd = &cobra.Command{
	Use:   "show <cve-id>",
	Short: "Show a stored analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		id, err := cve.Normalize(args[0])
		if err != nil {
			return errors.New(api.FormatMessage)
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.store.GetCVE(id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s has not been analyzed yet", id)
		}
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(rec)
		}

		res := pipeline.Result{Status: pipeline.StatusSuccess, Record: rec, Summary: rec.Summary}
		if a.notes.Exists(id) {
			res.NotePath = a.notes.Path(id)
		}
		writePanel(os.Stdout, api.NewPanel(res))
		return nil
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of CVEs to list (0 for all)")
	showCmd.Flags().Bool("json", false, "print the stored record as JSON")
}

// --- notes ---

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Manage the markdown notes",
}

var notesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Rewrite missing notes from the stored rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		written, err := syncNotes(a.store, a.notes)
		if err != nil {
			return err
		}
		printSuccess("Wrote %d missing notes to %s", written, a.notes.Dir())
		return nil
	},
}

type recordLister interface {
	ListCVEs(limit, offset int) ([]cve.Record, error)
}

// syncNotes writes a note for every stored record that has none on disk.
// Existing notes are left untouched.
func syncNotes(store recordLister, w *notes.Writer) (int, error) {
	recs, err := store.ListCVEs(0, 0)
	if err != nil {
		return 0, fmt.Errorf("listing cves: %w", err)
	}

	written := 0
	for _, rec := range recs {
		if w.Exists(rec.ID) {
			continue
		}
		path, err := w.Write(rec)
		if err != nil {
			return written, fmt.Errorf("writing note for %s: %w", rec.ID, err)
		}
		slog.Debug("note restored", "cve_id", rec.ID, "path", path)
		written++
	}
	return written, nil
}

func init() {
	notesCmd.AddCommand(notesSyncCmd)
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

		fmt.Printf("  %s\n", colorize(colorCyan, config.ConfigFilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
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

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (nvd.api_key, chat.token)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
