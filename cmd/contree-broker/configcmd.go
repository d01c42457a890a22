package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/contree/broker/internal/config"
	"github.com/contree/broker/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create and inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file",
	Long: `Write a configuration file with the defaults and the given settings.

On a terminal an interactive form asks for the backend and cache settings.
Use --yes to write the file from flags alone.

Examples:
  contree-broker config init
  contree-broker config init --yes --backend-url https://sandbox.example.com`,
	Annotations: map[string]string{"config": "skip"},
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		yes, _ := cmd.Flags().GetBool("yes")

		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		c := config.Default()
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			c.Backend.Kind = v
		}
		if v, _ := cmd.Flags().GetString("backend-url"); v != "" {
			c.Backend.URL = v
		}
		if v, _ := cmd.Flags().GetString("store"); v != "" {
			c.Store.Driver = v
		}
		if v, _ := cmd.Flags().GetString("store-path"); v != "" {
			c.Store.Path = v
		}
		c.Backend.Token = os.Getenv(config.EnvPrefix + "_BACKEND_TOKEN")

		if !yes && ui.IsTerminal(os.Stdin) {
			if err := configForm(&c).Run(); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					out.Warn("aborted, nothing written")
					return nil
				}
				return err
			}
		}

		if err := c.Validate(); err != nil {
			return err
		}
		if err := config.Write(path, c); err != nil {
			return err
		}
		out.Success("Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the file, CONTREE_* environment
variables and flags. The backend token is never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			shown := cfg
			shown.Backend.Token = ""
			return printJSON(shown)
		}
		data, err := config.YAML(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configInitCmd.Flags().BoolP("yes", "y", false, "Do not prompt")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

// configForm asks for the settings most users change.
func configForm(c *config.Config) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Backend").
				Options(
					huh.NewOption("Remote service (http)", "http"),
					huh.NewOption("In-process fake (memory)", "memory"),
				).
				Value(&c.Backend.Kind),
			huh.NewInput().
				Title("Service URL").
				Placeholder("https://sandbox.example.com").
				Value(&c.Backend.URL).
				Validate(func(s string) error {
					if c.Backend.Kind != "http" {
						return nil
					}
					u, err := url.Parse(s)
					if err != nil || u.Scheme == "" || u.Host == "" {
						return fmt.Errorf("enter an absolute URL")
					}
					return nil
				}),
			huh.NewInput().
				Title("API token").
				Description("Stored in the config file, readable only by you.").
				EchoMode(huh.EchoModePassword).
				Value(&c.Backend.Token),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Cache store").
				Options(
					huh.NewOption("SQLite (default)", "sqlite"),
					huh.NewOption("Badger (large caches)", "badger"),
					huh.NewOption("None (memory only)", "memory"),
				).
				Value(&c.Store.Driver),
			huh.NewInput().
				Title("Cache location").
				Value(&c.Store.Path),
			huh.NewConfirm().
				Title("Cancel incomplete operations when interrupted?").
				Value(&c.Wait.CancelOnExit),
		),
	)
}
