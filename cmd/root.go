package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"birdcage/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	LOGO = `	 _     _         _
	| |__ (_)_ __ __| | ___ __ _  __ _  ___
	| '_ \| | '__/ _` + "`" + ` |/ __/ _` + "`" + ` |/ _` + "`" + ` |/ _ \
	| |_) | | | | (_| | (_| (_| | (_| |  __/
	|_.__/|_|_|  \__,_|\___\__,_|\__, |\___|
	                             |___/
`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "birdcage",
	Short: "Companion daemon for the timeline interception hook.",
	Long: LOGO + `birdcage receives intercepted timeline responses from the browser hook,
extracts posts and users, runs them through the admission policy and
forwards admitted records to the archive, keeping a local ledger of every
decision.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.birdcage.yaml)")

	// Global flags
	rootCmd.PersistentFlags().String("dbpath", "", "Path to the ledger SQLite file (default: birdcage.sqlite in CWD)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".birdcage")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.birdcage.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Set default empty values for all keys
	viper.SetDefault("archive.url", "")
	viper.SetDefault("archive.token", "")
	viper.SetDefault("observer.id", "")
	viper.SetDefault("observer.forward_enabled", true)
	viper.SetDefault("server.listen", "127.0.0.1:8845")
	viper.SetDefault("server.username", "")
	viper.SetDefault("server.password", "")
	viper.SetDefault("ledger.max_rows", 7500)
	viper.SetDefault("record_expiry_seconds", 600)

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}

func ledgerPath(cmd *cobra.Command) string {
	dbPath, _ := cmd.Flags().GetString("dbpath")
	if dbPath == "" {
		dbPath = "birdcage.sqlite"
	}
	return dbPath
}
