// Package cmds holds the promptstorm command tree.
package cmds

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/promptstorm/pkg/logging"
	"github.com/go-go-golems/promptstorm/pkg/ollama"
)

const (
	appName    = "promptstorm"
	envPrefix  = "PROMPTSTORM"
	configName = "config"
)

func NewRootCommand() *cobra.Command {
	v := viper.New()
	setDefaults(v)
	a := &app{v: v}

	var cfgFile string
	root := &cobra.Command{
		Use:           appName,
		Short:         "Chat with Ollama models in the browser or the terminal",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(v, cfgFile); err != nil {
				return err
			}
			return logging.Init(logging.Settings{
				Level:      v.GetString("log.level"),
				Format:     v.GetString("log.format"),
				File:       v.GetString("log.file"),
				WithCaller: v.GetBool("log.with-caller"),
			})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default $HOME/.promptstorm/config.yaml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	pf.Bool("with-caller", false, "add caller to log lines")
	pf.String("host", "", "Ollama host (default: saved host-address, then "+ollama.DefaultHost+")")
	pf.Duration("timeout", ollama.DefaultListTimeout, "timeout for listing models")
	pf.String("store", "", "conversation database (default $HOME/.promptstorm/promptstorm.db)")
	pf.String("frameworks-file", "", "YAML file with additional prompt frameworks")
	bindFlags(v, pf, map[string]string{
		"log.level":       "log-level",
		"log.format":      "log-format",
		"log.file":        "log-file",
		"log.with-caller": "with-caller",
		"ollama.host":     "host",
		"ollama.timeout":  "timeout",
		"store.path":      "store",
		"frameworks.file": "frameworks-file",
	})

	root.AddCommand(
		newServeCommand(a),
		newChatCommand(a),
		newAskCommand(a),
		buildRowCommand(NewModelsCommand(a)),
		newFrameworksCommand(a),
		newConversationsCommand(a),
		newSettingsCommand(a),
	)
	return root
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("ollama.timeout", ollama.DefaultListTimeout)
	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.idle-timeout", 2*time.Minute)
	v.SetDefault("events.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.group", "promptstorm")
}

func initConfig(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(filepath.Join(home, "."+appName))
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return errors.Wrap(err, "read config")
	}
	return nil
}

// bindFlags maps config keys to flags of fs. Unknown flag names are skipped.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if f := fs.Lookup(flag); f != nil {
			cobra.CheckErr(v.BindPFlag(key, f))
		}
	}
}
