// Command FormPipe serves conversational forms over HTTP and SMS, and offers terminal tools
// to try and check form definitions.
package main

import (
	"os"
	"path/filepath"

	"github.com/BTreeMap/FormPipe/internal/bootstrap"
	"github.com/spf13/cobra"
)

func main() {
	// Initialize structured logger
	bootstrap.InitializeLogger()

	// Load environment configuration
	config := bootstrap.LoadEnvironmentConfig()
	bootstrap.SetLogLevel(config.LogLevel)

	if err := newRootCmd(&config).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flag defaults come from the environment so flags override env.
func newRootCmd(config *bootstrap.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "FormPipe",
		Short:         "FormPipe runs conversational forms",
		Long:          `FormPipe drives respondents through admin-defined forms over chat and SMS and stores their answers.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for FormPipe data (overrides $FORMPIPE_STATE_DIR)")
	flags.StringVar(&config.DBDSN, "db-dsn", config.DBDSN, "database DSN or SQLite path (overrides $FORMPIPE_DB_DSN or $DATABASE_URL)")
	flags.StringVar(&config.StoreKind, "store", config.StoreKind, "store backend: memory, sqlite, postgres or dynamodb (overrides $FORMPIPE_STORE)")
	flags.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	flags.StringVar(&config.OpenAIModel, "model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	flags.StringVar(&config.FormsDir, "forms-dir", config.FormsDir, "directory of form definitions to load (overrides $FORMPIPE_FORMS_DIR)")
	flags.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $FORMPIPE_LOG_LEVEL)")

	defaultDSN := filepath.Join(config.StateDir, bootstrap.DefaultDBFileName)
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		bootstrap.SetLogLevel(config.LogLevel)
		// Follow a moved state directory unless the DSN was set explicitly.
		if cmd.Flags().Changed("state-dir") && !cmd.Flags().Changed("db-dsn") && config.DBDSN == defaultDSN {
			config.DBDSN = filepath.Join(config.StateDir, bootstrap.DefaultDBFileName)
		}
	}

	root.AddCommand(newServeCmd(config), newChatCmd(config), newCheckCmd())
	return root
}
