package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shawkym/mxview/internal/version"
	"github.com/shawkym/mxview/pkg/config"
	"github.com/shawkym/mxview/pkg/log"
)

var (
	cfgFile     string
	envFile     string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "mxview",
	Short: "A terminal view of a Matrix room",
	Long: `mxview opens one Matrix room in the terminal. It keeps a bounded window
of the timeline on screen, grows it as you scroll up and fetches older
history from the homeserver when the loaded events run out.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Println(version.GetVersionString())
			os.Exit(0)
		}
		cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mxview/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with MATRIX_* variables")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("room", "", "room ID or alias (overrides matrix.room)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "V", false, "Show version information")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding verbose flag: %v\n", err)
	}
	if err := viper.BindPFlag("matrix.room", rootCmd.PersistentFlags().Lookup("room")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding room flag: %v\n", err)
	}
}

func initConfig() {
	level := zerolog.InfoLevel
	if viper.GetBool("verbose") {
		level = zerolog.DebugLevel
	}
	log.InitLogger(os.Stderr, level, true)

	if envFile != "" {
		if err := godotenv.Load(envFile); err == nil {
			log.WithField("env_file", envFile).Debug("loaded environment file")
		} else if !os.IsNotExist(err) {
			log.WithError(err).WithField("env_file", envFile).Warn("failed to load environment file")
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		log.WithField("config_file", cfgFile).Debug("using specified config file")
	} else {
		viper.AddConfigPath(config.DefaultDir())
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		log.WithField("config_file", viper.ConfigFileUsed()).Debug("found configuration file")
	} else {
		log.WithError(err).Debug("no config file found, using environment")
	}
}

// loadConfig returns the configuration file found by viper, or one built
// from the environment when there is none. The --room flag wins over both.
func loadConfig() (*config.Config, string, error) {
	path := viper.ConfigFileUsed()

	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadConfig(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, "", err
	}

	if room := viper.GetString("matrix.room"); room != "" {
		cfg.Matrix.Room = room
	}
	if viper.GetBool("verbose") {
		cfg.Logging.Level = "debug"
	}
	return cfg, path, nil
}

// setupLogging points the logger at cfg.Logging. While the TUI owns the
// terminal, logs go to the log file. The returned closer releases the file.
func setupLogging(cfg *config.Config, tui bool) (io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || cfg.Logging.Level == "" {
		level = zerolog.InfoLevel
	}

	if !tui || cfg.Logging.File == "" {
		log.InitLogger(os.Stderr, level, true)
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.InitLogger(f, level, cfg.Logging.Pretty)
	return f, nil
}
