package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shawkym/mxview/pkg/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	Long: `Create a new mxview configuration file interactively.
This command asks for the homeserver, the account and the room to open.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", filepath.Join(config.DefaultDir(), "config.yaml"), "Output configuration file path")
}

func runInit(cmd *cobra.Command, args []string) error {
	outputPath, _ := cmd.Flags().GetString("output")
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "mxview configuration")
	fmt.Fprintln(out, strings.Repeat("─", 40))

	if _, err := os.Stat(outputPath); err == nil {
		fmt.Fprintf(out, "Configuration file '%s' already exists.\n", outputPath)
		if !promptYesNo(reader, out, "Overwrite?", false) {
			fmt.Fprintln(out, "Canceled.")
			return nil
		}
	}

	cfg, err := promptConfig(reader, out)
	if err != nil {
		return err
	}
	if err := cfg.SaveConfig(outputPath); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", outputPath)
	fmt.Fprintln(out, "Open the room with: mxview open")
	return nil
}

// promptConfig asks for the settings a first run needs and validates them.
func promptConfig(reader *bufio.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.NewDefaultConfig()

	cfg.Matrix.Homeserver = strings.TrimRight(promptString(reader, out, "Homeserver URL", "https://matrix.org"), "/")
	cfg.Matrix.UserID = promptString(reader, out, "User ID (e.g., @alice:example.org)", "")

	auth := promptChoice(reader, out, "Authenticate with", []string{"access token", "password"}, 1)
	if auth == "password" {
		cfg.Matrix.Password = promptString(reader, out, "Password", "")
	} else {
		cfg.Matrix.AccessToken = promptString(reader, out, "Access token", "")
	}

	cfg.Matrix.Room = promptString(reader, out, "Room ID or alias to open", "")
	cfg.Timeline.InitialCap = promptInt(reader, out, "Events shown when a room opens", cfg.Timeline.InitialCap)
	cfg.Render.Markdown = promptYesNo(reader, out, "Render messages as markdown?", cfg.Render.Markdown)
	cfg.Render.ShowTimestamps = promptYesNo(reader, out, "Show timestamps?", cfg.Render.ShowTimestamps)
	cfg.Metrics.Enabled = promptYesNo(reader, out, "Serve Prometheus metrics?", false)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Fprintf(out, "%s (default: %s): ", prompt, defaultValue)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultValue int) int {
	for {
		fmt.Fprintf(out, "%s (default: %d): ", prompt, defaultValue)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "" {
			return defaultValue
		}

		value, perr := strconv.Atoi(input)
		if perr != nil || value < 0 {
			fmt.Fprintln(out, "  Invalid number. Please try again.")
			if err != nil {
				return defaultValue
			}
			continue
		}
		return value
	}
}

func promptYesNo(reader *bufio.Reader, out io.Writer, prompt string, defaultValue bool) bool {
	defaultStr := "y/N"
	if defaultValue {
		defaultStr = "Y/n"
	}

	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defaultStr)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))

		switch input {
		case "":
			return defaultValue
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}

		fmt.Fprintln(out, "  Please answer 'y' or 'n'")
		if err != nil {
			return defaultValue
		}
	}
}

func promptChoice(reader *bufio.Reader, out io.Writer, prompt string, choices []string, defaultIndex int) string {
	for i, c := range choices {
		fmt.Fprintf(out, "  %d. %s\n", i+1, c)
	}
	for {
		fmt.Fprintf(out, "%s (1-%d, default: %d): ", prompt, len(choices), defaultIndex)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)

		if input == "" {
			return choices[defaultIndex-1]
		}

		choice, perr := strconv.Atoi(input)
		if perr != nil || choice < 1 || choice > len(choices) {
			fmt.Fprintf(out, "  Please select a number between 1 and %d\n", len(choices))
			if err != nil {
				return choices[defaultIndex-1]
			}
			continue
		}

		return choices[choice-1]
	}
}
