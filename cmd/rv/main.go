package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"rv-go/internal/app"
	"rv-go/internal/config"
	"rv-go/internal/encryption"
	"rv-go/internal/model"
	"rv-go/internal/vault"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// readConfig reads the config file named by the application defaults.
func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an RVApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "CreateVersion", "Diff").
func newApp(ctx context.Context, operation string) (*app.RVApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewRVApp(ctx, cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var stdin = bufio.NewReader(os.Stdin)

// readPassphrase prompts on the terminal without echo. When stdin is not a
// terminal the first line of stdin is used.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// parseVersion parses a version argument. "latest" selects the newest version.
func parseVersion(s string) (int64, error) {
	if s == "latest" {
		return -1, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return n, nil
}

// inferAction picks the action tag for a version from the changes it makes.
func inferAction(adds, removes []string) model.Action {
	switch {
	case len(adds) > 0 && len(removes) > 0:
		return model.ActionSync
	case len(adds) > 0:
		return model.ActionUpload
	case len(removes) > 0:
		return model.ActionDisassociate
	default:
		return model.ActionSnapshot
	}
}

// versionAction returns the action named by flag, or the inferred one when
// flag is empty.
func versionAction(adds, removes []string, flag string) (model.Action, error) {
	if flag == "" {
		return inferAction(adds, removes), nil
	}
	action := model.Action(flag)
	if !action.Valid() {
		return "", fmt.Errorf("unknown action %q", flag)
	}
	return action, nil
}

// parseRange parses the FROM and TO arguments of diff. Both must be
// explicit version numbers.
func parseRange(fromArg, toArg string) (int64, int64, error) {
	from, err := parseVersion(fromArg)
	if err != nil {
		return 0, 0, err
	}
	to, err := parseVersion(toArg)
	if err != nil {
		return 0, 0, err
	}
	if from < 0 || to < 0 {
		return 0, 0, fmt.Errorf("diff needs explicit version numbers")
	}
	return from, to, nil
}

func contentIDs(ss []string) []model.ContentID {
	ids := make([]model.ContentID, 0, len(ss))
	for _, s := range ss {
		ids = append(ids, model.ContentID(s))
	}
	return ids
}

func printContent(content []model.ContentID) {
	for _, c := range content {
		fmt.Println(c)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rv",
	Short:        "Repository version content index",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.HostID, defaults.BaseDir)
		cfg.LogDir = defaults.LogDir

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Host ID:  %s\n", cfg.HostID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Database:   %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		fmt.Printf("Cache:      %d entries\n", cfg.Cache.MaxEntries)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:      %s (%s)\n", v.Name, v.Type)
		}
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the key pair used to encrypt snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if t := cfg.Encryption.Type; t != "" && t != "age" {
			fmt.Printf("Encryption type %q needs no keys\n", t)
			return nil
		}

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		enc := encryption.NewAgeEncryptor(cfg.Encryption)
		if err := enc.Setup(passphrase); err != nil {
			return err
		}
		recipient, err := enc.Recipient()
		if err != nil {
			return err
		}

		fmt.Printf("Public key: %s\n", recipient)
		fmt.Printf("Private key written to %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Check that the configured vaults are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if len(cfg.Vaults) == 0 {
			fmt.Println("No vaults configured.")
			return nil
		}

		for _, vc := range cfg.Vaults {
			v, err := vault.NewVaultFromConfig(cmd.Context(), vc)
			if err != nil {
				return fmt.Errorf("vault %s: %w", vc.Name, err)
			}
			if err := v.ValidateSetup(cmd.Context()); err != nil {
				return fmt.Errorf("vault %s: %w", vc.Name, err)
			}
			fmt.Printf("%s: ok\n", vc.Name)
		}
		return nil
	},
}

// repo command
var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repositories",
}

var repoCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create an empty repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		a, err := newApp(cmd.Context(), "CreateRepository")
		if err != nil {
			return err
		}
		defer a.Close()

		repo, err := a.CreateRepository(cmd.Context(), args[0], description)
		if err != nil {
			return err
		}

		fmt.Printf("Created repository %s (%s)\n", repo.Name, repo.ID)
		return nil
	},
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Repositories")
		if err != nil {
			return err
		}
		defer a.Close()

		repos, err := a.Repositories(cmd.Context())
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories.")
			return nil
		}

		for _, r := range repos {
			fmt.Printf("%-30s  v%-6d  %s\n", r.Name, r.LatestVersion, r.Description)
		}
		return nil
	},
}

var repoShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show one repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Repository")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Repository(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Name:           %s\n", r.Name)
		fmt.Printf("ID:             %s\n", r.ID)
		fmt.Printf("Description:    %s\n", r.Description)
		fmt.Printf("Latest version: %d\n", r.LatestVersion)
		fmt.Printf("Created:        %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
		if r.LastContentAdded != nil {
			fmt.Printf("Last added:     %s\n", r.LastContentAdded.Format("2006-01-02 15:04:05"))
		}
		if r.LastContentRemoved != nil {
			fmt.Printf("Last removed:   %s\n", r.LastContentRemoved.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// content command
var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Work with content identifiers",
}

var contentNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Print new random content IDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		for i := 0; i < count; i++ {
			fmt.Println(uuid.NewString())
		}
		return nil
	},
}

// version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage repository versions",
}

var versionCreateCmd = &cobra.Command{
	Use:   "create REPO",
	Short: "Commit a new version that adds and removes content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		adds, _ := cmd.Flags().GetStringSlice("add")
		removes, _ := cmd.Flags().GetStringSlice("remove")
		actionFlag, _ := cmd.Flags().GetString("action")

		action, err := versionAction(adds, removes, actionFlag)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "CreateVersion")
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.CreateVersion(cmd.Context(), args[0], action, contentIDs(adds), contentIDs(removes))
		if err != nil {
			return err
		}

		fmt.Printf("Created version %d of %s (%s)\n", v.Number, args[0], v.Action)
		return nil
	},
}

var versionListCmd = &cobra.Command{
	Use:   "list REPO",
	Short: "List the versions of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Versions")
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.Versions(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No versions.")
			return nil
		}

		for _, v := range versions {
			fmt.Printf("%6d  %s  %s\n", v.Number, v.CreatedAt.Format("2006-01-02 15:04:05"), v.Action)
		}
		return nil
	},
}

// ls command
var lsCmd = &cobra.Command{
	Use:   "ls REPO [VERSION]",
	Short: "List the content of a repository version",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n := int64(-1)
		if len(args) == 2 {
			var err error
			if n, err = parseVersion(args[1]); err != nil {
				return err
			}
		}

		a, err := newApp(cmd.Context(), "ContentAt")
		if err != nil {
			return err
		}
		defer a.Close()

		content, err := a.ContentAt(cmd.Context(), args[0], n)
		if err != nil {
			return err
		}
		printContent(content)
		return nil
	},
}

// diff command
var diffCmd = &cobra.Command{
	Use:   "diff REPO FROM TO",
	Short: "Show content added and removed between two versions",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseRange(args[1], args[2])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Diff")
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.Diff(cmd.Context(), args[0], from, to)
		if err != nil {
			return err
		}
		for _, c := range d.Added {
			fmt.Printf("+ %s\n", c)
		}
		for _, c := range d.Removed {
			fmt.Printf("- %s\n", c)
		}
		return nil
	},
}

// associations command
var associationsCmd = &cobra.Command{
	Use:   "associations REPO",
	Short: "Show the membership intervals of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Associations")
		if err != nil {
			return err
		}
		defer a.Close()

		associations, err := a.Associations(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		for _, as := range associations {
			end := ""
			if as.VRemoved != nil {
				end = strconv.FormatInt(*as.VRemoved, 10)
			}
			fmt.Printf("%s  [%d, %s)\n", as.ContentID, as.VAdded, end)
		}
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Copy the local store to and from the vault",
}

var snapshotPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload an encrypted snapshot of the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "PushSnapshot")
		if err != nil {
			return err
		}
		defer a.Close()

		generation, err := a.PushSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Pushed snapshot at generation %d\n", generation)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local store with the vault's snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		var passphrase string
		if t := cfg.Encryption.Type; t == "" || t == "age" {
			if passphrase, err = readPassphrase("Passphrase: "); err != nil {
				return err
			}
		}

		generation, err := app.RestoreSnapshot(cmd.Context(), cfg, passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Restored snapshot at generation %d\n", generation)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local store",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.Migrate(cfg); err != nil {
			return err
		}
		fmt.Println("Store is up to date.")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the schema is current",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.CheckMigrations(cfg); err != nil {
			return err
		}
		fmt.Println("Store is up to date.")
		return nil
	},
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the SQL schema of a SQLite store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		schema, err := app.Schema(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		fmt.Print(schema)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configVaultCmd)

	// repo subcommands
	repoCmd.AddCommand(repoCreateCmd)
	repoCreateCmd.Flags().StringP("description", "d", "", "Repository description")
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoShowCmd)

	contentCmd.AddCommand(contentNewCmd)
	contentNewCmd.Flags().IntP("count", "n", 1, "Number of IDs to print")

	// version subcommands
	versionCmd.AddCommand(versionCreateCmd)
	versionCreateCmd.Flags().StringSliceP("add", "a", nil, "Content to add (repeatable)")
	versionCreateCmd.Flags().StringSliceP("remove", "r", nil, "Content to remove (repeatable)")
	versionCreateCmd.Flags().String("action", "", "Action tag (upload, disassociate, sync, snapshot)")
	versionCmd.AddCommand(versionListCmd)

	snapshotCmd.AddCommand(snapshotPushCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbSchemaCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(repoCmd)
	rootCmd.AddCommand(contentCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(associationsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(dbCmd)
}
