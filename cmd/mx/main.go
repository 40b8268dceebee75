package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matrix/internal/app"
	"matrix/internal/config"
	"matrix/internal/db"
	"matrix/internal/domain"
	"matrix/internal/engine"
	"matrix/internal/migrate"
	"matrix/internal/repo"
	"matrix/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "mx",
	Short: "Matrix CLI",
	Long: `Matrix coordinates audit work across agencies and their URLs in time-boxed waves.
- Workspace: the .matrix directory holding the database; config is stored in the DB
  and seeded from matrix.yml on first run.
- Waves: numbered audit rounds that move draft -> published -> frozen.
- Agencies and URLs: what gets audited; URLs may belong to an agency.
- Assignments: per wave, each user gets one task covering their agencies and URLs.
- Progress: per-URL status on a task; the task status is derived from it.
- Reports: per-user findings for an agency in a wave, draft until submitted.
- Event log: diary of changes, view with 'mx log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MATRIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier recorded in the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(waveCmd())
	rootCmd.AddCommand(agencyCmd())
	rootCmd.AddCommand(urlCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(categoryCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var appID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(appID)), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("Initialized workspace %s (config at %s)\n", workspace, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&appID, "id", "matrix", "application id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect app config",
		Long:  "Config is the rulebook (stored in DB): app identity, admin bootstrap account, report categories, and webhooks. Import from matrix.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertAppConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func waveCmd() *cobra.Command {
	wave := &cobra.Command{
		Use:   "wave",
		Short: "Manage waves",
		Long:  "Waves are numbered audit rounds. They move draft -> published -> frozen; a frozen wave no longer accepts assignment or progress changes.",
	}
	wave.AddCommand(waveCreateCmd())
	wave.AddCommand(waveListCmd())
	wave.AddCommand(waveShowCmd())
	wave.AddCommand(waveUpdateCmd())
	wave.AddCommand(waveDeleteCmd())
	wave.AddCommand(waveAssignCmd())
	wave.AddCommand(waveStatusCmd())
	return wave
}

func waveCreateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a wave",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWave(ctx, name, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "wave name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func waveListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List waves",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWaves(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "#", "Name", "Status", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Number, w.Name, w.Status, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func waveShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a wave with its task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWave(ctx, id)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"wave": w, "task_counts": counts}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Wave %d: %s (%s)\n", w.Number, w.Name, w.Status)
				if w.Description != "" {
					fmt.Println(w.Description)
				}
				fmt.Println("Tasks:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func waveUpdateCmd() *cobra.Command {
	var name, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.WaveUpdateOptions{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("name") {
					opts.Name = &name
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &description
				}
				w, err := e.UpdateWave(ctx, id, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "wave name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func waveStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Advance wave status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.UpdateWave(ctx, id, engine.WaveUpdateOptions{
					Status:  &status,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (draft, published, frozen)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func waveDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a wave and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWave(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func waveAssignCmd() *cobra.Command {
	var filePath, userID, description string
	var agencyIDs, urlIDs []string
	cmd := &cobra.Command{
		Use:   "assign <wave-id>",
		Short: "Replace the wave's user assignments",
		Long: `Reconciles desired assignments against the wave's existing tasks.
Either pass --file with a JSON object mapping user IDs to
{"agency_ids": [...], "url_ids": [...]}, or pass --user with repeated
--agency/--url flags to assign a single user (other users keep nothing
and their tasks are removed, so --file is the usual form).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			waveID := args[0]
			assignments := map[string]domain.WaveAssignment{}
			switch {
			case filePath != "":
				data, err := os.ReadFile(filePath)
				if err != nil {
					return err
				}
				var raw map[string]struct {
					AgencyIDs []string `json:"agency_ids"`
					URLIDs    []string `json:"url_ids"`
				}
				if err := json.Unmarshal(data, &raw); err != nil {
					return fmt.Errorf("parse %s: %w", filePath, err)
				}
				for uid, a := range raw {
					assignments[uid] = domain.WaveAssignment{AgencyIDs: a.AgencyIDs, URLIDs: a.URLIDs}
				}
			case userID != "":
				assignments[userID] = domain.WaveAssignment{AgencyIDs: agencyIDs, URLIDs: urlIDs}
			default:
				return fmt.Errorf("--file or --user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.SaveWaveAssignments(ctx, waveID, description, assignments, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "JSON file with per-user assignments")
	cmd.Flags().StringVar(&userID, "user", "", "user id (single-user form)")
	cmd.Flags().StringArrayVar(&agencyIDs, "agency", []string{}, "agency id (repeatable)")
	cmd.Flags().StringArrayVar(&urlIDs, "url", []string{}, "url id (repeatable)")
	cmd.Flags().StringVar(&description, "description", "", "wave description to set alongside")
	return cmd
}

func agencyCmd() *cobra.Command {
	agency := &cobra.Command{Use: "agency", Short: "Manage agencies"}
	agency.AddCommand(agencyCreateCmd())
	agency.AddCommand(agencyListCmd())
	agency.AddCommand(agencyUpdateCmd())
	agency.AddCommand(agencyDeleteCmd())
	return agency
}

func agencyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgency(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agency name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agencyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgencies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func agencyUpdateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Rename agency",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateAgency(ctx, id, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agency name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agencyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete agency and its URLs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAgency(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func urlCmd() *cobra.Command {
	url := &cobra.Command{Use: "url", Short: "Manage URLs"}
	url.AddCommand(urlCreateCmd())
	url.AddCommand(urlListCmd())
	url.AddCommand(urlUpdateCmd())
	url.AddCommand(urlDeleteCmd())
	url.AddCommand(urlPingCmd())
	return url
}

func urlCreateCmd() *cobra.Command {
	var link, agencyID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateURL(ctx, link, agencyID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&link, "link", "", "URL to audit")
	cmd.Flags().StringVar(&agencyID, "agency", "", "owning agency id")
	_ = cmd.MarkFlagRequired("link")
	return cmd
}

func urlListCmd() *cobra.Command {
	var agencyID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListURLs(ctx, agencyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Link", "Agency"})
				for _, u := range items {
					agency := ""
					if u.AgencyID != nil {
						agency = *u.AgencyID
					}
					tw.AppendRow(table.Row{u.ID, u.Link, agency})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agencyID, "agency", "", "filter by agency id")
	return cmd
}

func urlUpdateCmd() *cobra.Command {
	var link, agencyID string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.URLUpdateOptions{ActorID: viper.GetString("actor-id")}
				if cmd.Flags().Changed("link") {
					opts.Link = &link
				}
				if cmd.Flags().Changed("agency") {
					if agencyID == "" {
						opts.ClearAgency = true
					} else {
						opts.AgencyID = &agencyID
					}
				}
				u, err := e.UpdateURL(ctx, id, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&link, "link", "", "URL to audit")
	cmd.Flags().StringVar(&agencyID, "agency", "", "owning agency id (empty clears)")
	return cmd
}

func urlDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteURL(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func urlPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping <link>",
		Short: "Probe a URL for reachability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			link := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
			if err != nil {
				return err
			}
			req.Header.Set("User-Agent", "Matrix-Audit-Tool/1.0")
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return printJSONOrTable(map[string]any{"reachable": false, "error": err.Error()})
			}
			defer res.Body.Close()
			return printJSONOrTable(map[string]any{
				"reachable":   res.StatusCode < 400,
				"status_code": res.StatusCode,
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userDeleteCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var name, username, password, role string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.CreateUser(ctx, engine.UserCreateOptions{
					Name:     name,
					Username: username,
					Password: password,
					Role:     role,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&username, "username", "", "login username")
	cmd.Flags().StringVar(&password, "password", "", "password (defaults to username)")
	cmd.Flags().StringVar(&role, "role", "user", "role (admin or user)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Username", "Role"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Username, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete user and their tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteUser(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect and update tasks",
		Long:  "Tasks are created by wave assignment, one per user per wave. Progress is recorded per URL and the task status follows from it.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskCommentCmd())
	task.AddCommand(taskCommentsCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "User", "Status", "URLs"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.UserID, t.Status, len(t.URLProgress)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WaveID, "wave", "", "wave filter")
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var urlID, status string
	var percent int
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Record URL progress on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var pct *int
				if cmd.Flags().Changed("percent") {
					pct = &percent
				}
				t, err := e.UpdateTaskProgress(ctx, id, urlID, status, pct, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&urlID, "url", "", "url id")
	cmd.Flags().StringVar(&status, "status", "", "status (pending, in-progress, completed)")
	cmd.Flags().IntVar(&percent, "percent", 0, "progress percentage")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Override task status (tasks without URL progress only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskCommentCmd() *cobra.Command {
	var text, author string
	cmd := &cobra.Command{
		Use:   "comment <id>",
		Short: "Add task comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if author == "" {
					author = viper.GetString("actor-id")
				}
				c, err := e.AddComment(ctx, id, text, author, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "comment text")
	cmd.Flags().StringVar(&author, "author", "", "author name")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func taskCommentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments <id>",
		Short: "List task comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTaskComments(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{
		Use:   "report",
		Short: "Manage reports",
		Long:  "Reports hold per-user findings for an agency in a wave. They stay draft until submitted; submitted reports are final.",
	}
	report.AddCommand(reportCreateCmd())
	report.AddCommand(reportListCmd())
	report.AddCommand(reportShowCmd())
	report.AddCommand(reportSubmitCmd())
	report.AddCommand(reportDeleteCmd())
	return report
}

func reportCreateCmd() *cobra.Command {
	var userID, agencyID, waveID, sectionsFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create report",
		RunE: func(cmd *cobra.Command, args []string) error {
			sections := "[]"
			if sectionsFile != "" {
				data, err := os.ReadFile(sectionsFile)
				if err != nil {
					return err
				}
				if !json.Valid(data) {
					return fmt.Errorf("%s: invalid JSON", sectionsFile)
				}
				sections = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.CreateReport(ctx, engine.ReportCreateOptions{
					UserID:       userID,
					AgencyID:     agencyID,
					WaveID:       waveID,
					SectionsJSON: sections,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&agencyID, "agency", "", "agency id")
	cmd.Flags().StringVar(&waveID, "wave", "", "wave id")
	cmd.Flags().StringVar(&sectionsFile, "sections-file", "", "JSON file with report sections")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("agency")
	_ = cmd.MarkFlagRequired("wave")
	return cmd
}

func reportListCmd() *cobra.Command {
	var f repo.ReportFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReports(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Agency", "Wave", "Status", "Updated"})
				for _, rep := range items {
					tw.AppendRow(table.Row{rep.ID, rep.UserID, rep.AgencyID, rep.WaveID, rep.Status, rep.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.UserID, "user", "", "user filter")
	cmd.Flags().StringVar(&f.AgencyID, "agency", "", "agency filter")
	cmd.Flags().StringVar(&f.WaveID, "wave", "", "wave filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (draft, submitted)")
	return cmd
}

func reportShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Repo.GetReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				status := "submitted"
				rep, err := e.UpdateReport(ctx, id, engine.ReportUpdateOptions{
					Status:  &status,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func reportDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteReport(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func categoryCmd() *cobra.Command {
	cat := &cobra.Command{Use: "category", Short: "Manage report categories"}
	cat.AddCommand(categoryAddCmd())
	cat.AddCommand(categoryListCmd())
	cat.AddCommand(categoryDeleteCmd())
	return cat
}

func categoryAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add report category",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateReportCategory(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "category name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func categoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List report categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReportCategories(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func categoryDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete report category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteReportCategory(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create API key for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetUser(ctx, userID); err != nil {
					return err
				}
				k := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": k.ID, "user_id": k.UserID, "name": k.Name})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "plaintext key (only the hash is stored)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: wave changes, assignment saves, progress updates, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("MATRIX_JWT_SECRET"),
				TokenTTL:  time.Duration(cfg.TokenTTLMinutes()) * time.Minute,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MATRIX_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Matrix API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
