package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cuemby/enclavedb/pkg/config"
	"github.com/cuemby/enclavedb/pkg/enclave"
	"github.com/cuemby/enclavedb/pkg/index"
	"github.com/cuemby/enclavedb/pkg/log"
	"github.com/cuemby/enclavedb/pkg/policy"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enclaved",
	Short: "Local debug client for a single enclave instance",
	Long: `enclaved opens one enclave against a local page store (in-memory by
default, or a bbolt file with --data-dir) and runs a single operation
against it. It is a debugging and demo tool, not a network server: every
invocation starts and stops its own enclave.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (defaults are used if empty)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for the bbolt page store; empty uses an in-memory store")
	rootCmd.PersistentFlags().String("identity", "debug", "Identity bound into policy checks and witnesses for this invocation")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(createIndexCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func openEnclave(cmd *cobra.Command) (*enclave.Enclave, error) {
	path, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.Store = "bolt"
		cfg.DataDir = dataDir
	}

	return enclave.New(cfg, policy.AllowAllEvaluator{}, nil)
}

func identity(cmd *cobra.Command) string {
	id, _ := cmd.Flags().GetString("identity")
	return id
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <key[.path]>",
	Short: "Print the current value at a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave(cmd)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		value, id, gerr := e.GetObject(context.Background(), identity(cmd), args[0], args[1])
		if gerr != nil {
			return gerr
		}
		fmt.Printf("%s  (event %+v)\n", value, id)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <collection> <key[.path]> <json-value>",
	Short: "Write a value at a key",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave(cmd)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		if !json.Valid([]byte(args[2])) {
			return fmt.Errorf("value is not valid JSON: %s", args[2])
		}
		id, perr := e.PutObject(context.Background(), identity(cmd), args[0], args[1], json.RawMessage(args[2]))
		if perr != nil {
			return perr
		}
		fmt.Printf("ok  (event %+v)\n", id)
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <collection> <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave(cmd)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		id, rerr := e.RemoveObject(context.Background(), identity(cmd), args[0], args[1])
		if rerr != nil {
			return rerr
		}
		fmt.Printf("ok  (event %+v)\n", id)
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find <collection> <json-conditions>",
	Short: `Find documents matching a list of conditions, e.g. '[{"Path":"status","Op":"eq","Value":"open"}]'`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave(cmd)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		var conds []index.Condition
		if err := json.Unmarshal([]byte(args[1]), &conds); err != nil {
			return fmt.Errorf("parse conditions: %w", err)
		}
		docs, ferr := e.FindObjects(context.Background(), identity(cmd), args[0], conds)
		if ferr != nil {
			return ferr
		}
		for key, doc := range docs {
			fmt.Printf("%s: %s\n", key, doc)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <collection> <key>",
	Short: "Print every version of a key, most recent first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave(cmd)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		versions, herr := e.GetObjectHistory(context.Background(), identity(cmd), args[0], args[1])
		if herr != nil {
			return herr
		}
		for i, v := range versions {
			fmt.Printf("%d: %s\n", i, v)
		}
		return nil
	},
}

var createIndexCmd = &cobra.Command{
	Use:   "create-index <collection> <name> <path>",
	Short: "Create a secondary index over a dotted document path",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave(cmd)
		if err != nil {
			return err
		}
		defer e.Close(context.Background())

		if cerr := e.CreateIndex(args[0], args[1], args[2]); cerr != nil {
			return cerr
		}
		fmt.Println("ok")
		return nil
	},
}
