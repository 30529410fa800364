package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/xiaoyuanzhu-com/devpanel/api"
	"github.com/xiaoyuanzhu-com/devpanel/config"
	"github.com/xiaoyuanzhu-com/devpanel/db"
	"github.com/xiaoyuanzhu-com/devpanel/mux"
	"github.com/xiaoyuanzhu-com/devpanel/server"
	"github.com/xiaoyuanzhu-com/devpanel/terminal"
)

var serverURL string

// baseURL is the running server's address, from --server or the config
func baseURL(cfg *config.Config) string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}

func openRegistry(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(server.FromAppConfig(cfg).ToDBConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	return database, nil
}

func newSessionsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Print the persisted session registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openRegistry(loadConfig())
			if err != nil {
				return err
			}
			defer database.Close()

			sessions, err := database.ListSessions()
			if err != nil {
				return err
			}
			tabs, err := database.ListTabs()
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"tabs": tabs, "sessions": sessions})
			}

			tabNames := make(map[string]string, len(tabs))
			for _, tab := range tabs {
				tabNames[tab.ID] = tab.Name
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTAB\tSIZE\tCWD")
			for _, s := range sessions {
				status := s.Status
				if s.ExitCode != nil {
					status = fmt.Sprintf("%s (%d)", status, *s.ExitCode)
				}
				tab := "-"
				if s.TabOwned() {
					tab = fmt.Sprintf("%s[%d]", tabNames[*s.TabID], s.Position)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dx%d\t%s\n", s.ID, s.Name, status, tab, s.Cols, s.Rows, s.Cwd)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tabs and sessions as JSON")
	return cmd
}

func newSocketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sockets",
		Short: "Print multiplexer sockets that have no registry record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			database, err := openRegistry(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			m, err := server.NewMultiplexer(server.FromAppConfig(cfg))
			if err != nil {
				return err
			}

			sessions, err := database.ListSessions()
			if err != nil {
				return err
			}
			known := make(map[string]bool, len(sessions))
			for _, s := range sessions {
				known[s.ID] = true
			}

			orphans, err := mux.ListOrphanedSockets(m, known)
			if err != nil {
				return err
			}
			for _, handle := range orphans {
				fmt.Println(handle)
			}
			if len(orphans) == 0 {
				fmt.Fprintln(os.Stderr, "no orphaned sockets")
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Destroy task sessions whose workspace is gone",
		Long: "Asks the running server for one orphan sweep pass. With --dry-run the\n" +
			"registry is read directly and the candidates are printed without changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if dryRun {
				return sweepDryRun(cmd.Context(), cfg)
			}
			return sweepRemote(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list candidates from the registry without destroying anything")
	cmd.Flags().StringVar(&serverURL, "server", "", "server address (default from config)")
	return cmd
}

func sweepDryRun(ctx context.Context, cfg *config.Config) error {
	if cfg.WorkspaceRoot == "" {
		return fmt.Errorf("no workspace root configured")
	}
	database, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	sessions, err := database.ListSessions()
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.TabOwned() {
			continue
		}
		dir, ok := terminal.WorkspaceDir(cfg.WorkspaceRoot, s.Cwd)
		if !ok {
			continue
		}
		tracked, err := database.IsTrackedWorkspace(ctx, dir)
		if err != nil {
			return err
		}
		if !tracked {
			fmt.Printf("%s\t%s\n", s.ID, dir)
		}
	}
	return nil
}

func sweepRemote(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(cfg)+"/api/terminals/sweep", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("sweep failed: %s", apiErr.Error.Message)
		}
		return fmt.Errorf("sweep failed: %s", resp.Status)
	}

	var result api.DataResponse[api.SweepResponse]
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	for _, id := range result.Data.Destroyed {
		fmt.Println(id)
	}
	fmt.Fprintf(os.Stderr, "%d session(s) destroyed\n", len(result.Data.Destroyed))
	return nil
}
