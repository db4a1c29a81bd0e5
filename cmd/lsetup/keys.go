package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// keysCmd manages the local public key store
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage stored public keys",
	Long: `Public keys are kept in the config file and can be installed on
servers with "lsetup init --key NAME".`,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored public keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		names := a.store.KeyNames()
		if len(names) == 0 {
			fmt.Println("No keys stored.")
			return nil
		}

		fmt.Println("Stored keys:")
		fmt.Println()
		for _, name := range names {
			k, _ := a.store.Key(name)
			fmt.Printf("  - %-20s %s\n", name, k.Type)
		}
		fmt.Println()
		fmt.Printf("Total: %d keys\n", len(names))
		return nil
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add <public-key-file|->",
	Short: "Store a public key",
	Long: `Store a public key in authorized_keys format. The key comment is
used as its name unless --name is given. Use "-" to read from stdin.

Examples:
  lsetup keys add ~/.ssh/id_ed25519.pub
  lsetup keys add --name ci - < ci.pub`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		line, err := readKey(args[0])
		if err != nil {
			return err
		}

		stored, added, err := a.store.AddKey(line, name)
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("Key already stored as %q.\n", stored)
			return nil
		}
		if err := a.store.Save(); err != nil {
			return err
		}
		fmt.Printf("Key stored as %q.\n", stored)
		return nil
	},
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a stored public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.RemoveKey(args[0]); err != nil {
			return err
		}
		if err := a.store.Save(); err != nil {
			return err
		}
		fmt.Printf("Key %q removed.\n", args[0])
		return nil
	},
}

func init() {
	keysAddCmd.Flags().String("name", "", "Name to store the key under")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysRemoveCmd)
}

func readKey(src string) (string, error) {
	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}
	return string(data), nil
}
