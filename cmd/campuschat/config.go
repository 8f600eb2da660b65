package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowCmdReveal, "reveal", false, "print secrets in clear text")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage campuschat configuration",
	Long:  "View or modify the campuschat configuration stored in ~/.campuschat/config.toml.",
}

var configShowCmdReveal bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long:  "Print the current configuration. Secrets are masked unless --reveal is given.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'campuschat init <user-id>' to create one.")
			return nil
		}
		cfg, err := loadConfigFile(path)
		if err != nil {
			return err
		}
		if !configShowCmdReveal {
			cfg.REST.APIKey = maskKey(cfg.REST.APIKey)
			cfg.Redis.Password = maskKey(cfg.Redis.Password)
			cfg.Postgres.DSN = maskDSN(cfg.Postgres.DSN)
		}
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: campuschat config set rest.url https://api.example.edu",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
