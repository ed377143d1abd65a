package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/chatsync/internal/state"
)

func init() {
	rootCmd.AddCommand(identityCmd, prefCmd)
	identityCmd.AddCommand(identityGetCmd, identitySetCmd)
	prefCmd.AddCommand(prefDarkModeCmd)
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show or choose the local identity",
}

var identityGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the local identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		identity, err := state.NewProfileStore(cfg.DataDir).Identity()
		if err != nil {
			return err
		}
		if identity == "" {
			fmt.Println("No identity set.")
			return nil
		}
		fmt.Println(identity)
		return nil
	},
}

var identitySetCmd = &cobra.Command{
	Use:   "set <identity>",
	Short: "Choose the local identity (typically one emoji)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := state.NewProfileStore(cfg.DataDir).SetIdentity(args[0]); err != nil {
			return err
		}
		fmt.Printf("Identity set to %s\n", args[0])
		return nil
	},
}

var prefCmd = &cobra.Command{
	Use:   "pref",
	Short: "Manage local preferences",
}

var prefDarkModeCmd = &cobra.Command{
	Use:   "dark-mode [true|false]",
	Short: "Show or set the dark mode preference",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		profiles := state.NewProfileStore(cfg.DataDir)
		if len(args) == 0 {
			enabled, err := profiles.DarkMode()
			if err != nil {
				return err
			}
			fmt.Println(enabled)
			return nil
		}
		enabled, err := strconv.ParseBool(args[0])
		if err != nil {
			return fmt.Errorf("dark-mode expects true or false, got %q", args[0])
		}
		if err := profiles.SetDarkMode(enabled); err != nil {
			return err
		}
		fmt.Printf("Dark mode %s\n", map[bool]string{true: "enabled", false: "disabled"}[enabled])
		return nil
	},
}
