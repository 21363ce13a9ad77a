// ABOUTME: CLI command to run one conversational turn through the pipeline
// ABOUTME: Reads user text from args or stdin and prints the state footer
package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tendhq/tend/internal/llm"
	"github.com/tendhq/tend/internal/state"
)

var (
	turnUser      string
	turnSession   string
	turnDomain    string
	turnAssistant string
)

// NewTurnCmd creates the turn command.
func NewTurnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turn [text]",
		Short: "Process one user turn and print the state footer",
		Long: `Run the full state pipeline for one exchange: decide writes, apply
them idempotently and refresh the markdown projection.

Examples:
  tend turn --user alice "Fat-loss check-in: trained 4 times this week"
  echo "I am lactose intolerant." | tend turn --user alice`,
		Args: cobra.MaximumNArgs(1),
		RunE: runTurn,
	}

	cmd.Flags().StringVar(&turnUser, "user", "", "User key (defaults to the anonymous key)")
	cmd.Flags().StringVar(&turnSession, "session", "", "Session key")
	cmd.Flags().StringVar(&turnDomain, "domain", "general", "Routed domain for this turn")
	cmd.Flags().StringVar(&turnAssistant, "assistant", "", "Assistant reply text for this turn")

	return cmd
}

func runTurn(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var text string
	if len(args) > 0 {
		text = args[0]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		text = string(data)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("no text provided")
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := llm.NewRouter(llm.RouterConfig{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.APIBaseURL,
		FallbackModels: cfg.FallbackModels,
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
	}, logger)
	if err != nil {
		return fmt.Errorf("initializing model client: %w", err)
	}

	pipeline := state.NewPipeline(cfg, store, client, logger)
	footer := pipeline.ProcessTurn(cmd.Context(), state.TurnInput{
		RequestUser:   turnUser,
		SessionKey:    turnSession,
		RoutedDomain:  turnDomain,
		UserText:      text,
		AssistantText: turnAssistant,
		RequestPayload: map[string]any{
			"user":    turnUser,
			"session": turnSession,
			"domain":  turnDomain,
			"text":    text,
		},
	})

	if footer == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "No state writes.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), footer)
	return nil
}
