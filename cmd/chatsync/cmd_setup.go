package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatsync/internal/config"
	"github.com/user/chatsync/internal/state"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("chatsync setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Server.BaseURL = prompt(scanner, "Server base URL", cfg.Server.BaseURL)
		cfg.Server.RealtimeURL = prompt(scanner, "Realtime URL (optional, derived from base URL)", cfg.Server.RealtimeURL)
		cfg.Server.APIKey = prompt(scanner, "API key (optional)", cfg.Server.APIKey)
		cfg.Chat.Channel = prompt(scanner, "Default channel", cfg.Chat.Channel)

		backfill := prompt(scanner, "Messages loaded on join", strconv.Itoa(cfg.Chat.BackfillLimit))
		if n, err := strconv.Atoi(backfill); err == nil && n > 0 {
			cfg.Chat.BackfillLimit = n
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		profiles := state.NewProfileStore(cfg.DataDir)
		current, err := profiles.Identity()
		if err != nil {
			return err
		}
		if identity := prompt(scanner, "Identity (one emoji)", current); identity != current {
			if err := profiles.SetIdentity(identity); err != nil {
				return fmt.Errorf("save identity: %w", err)
			}
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
