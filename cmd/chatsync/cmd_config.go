package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatsync/internal/config"
)

var showSecrets bool

func init() {
	configListCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print api keys and connection passwords in full")
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the chatsync config file",
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the effective configuration, environment overrides included",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := config.Entries(loadConfig(), !showSecrets)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%v\n", e.Key, e.Value)
		}
		return w.Flush()
	},
}

var configGetCmd = &cobra.Command{
	Use:       "get <key>",
	Short:     "Print one value as stored in the config file",
	Args:      cobra.ExactArgs(1),
	ValidArgs: config.Keys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one value; the result must still be a valid configuration",
	Long: "Change one value in the config file. Known keys:\n  " +
		strings.Join(config.Keys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetValue(cfgPath, key, value); err != nil {
			return err
		}
		fmt.Printf("%s = %v\n", key, config.Mask(key, value))
		if strings.HasPrefix(key, "relay.") {
			if _, err := readPID(); err == nil {
				fmt.Println("The relay is running; `chatsync restart` applies the change.")
			}
		}
		return nil
	},
}
