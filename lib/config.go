package lib

import (
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const configFlag = "config"

type BaseConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

/**
	InitializeConfig standardises config initialization across all apps.

	Usage:

	Config can be specified in a yml file. By default this is located at the defaultPath argument, but can be overridden
	with the --config flag, which should contain a filepath. For example, if defaultPath is "./config/recognition-api.yml",
	then a k8s config map with a recognition-api.yml key could be mounted to $(pwd)/config so that the config map
	is available at the path.

	Keys which exist on defaultConfig but NOT on the config yaml will also be used.

	Env vars can be used to overwrite config keys IF the key exists in defaultConfig or the config yaml (the env var
	must be uppercased, with "." replaced by "_", e.g. RAPIDAPI_KEY overrides rapidapi.key).

	Args:
	defaultPath is the default relative
	or absolute path to the config file. This is overridden with the --config flag.

	defaultConfig is the default config, defined as a map[string]interface{} within the code itself.
	It should be defined close to the "main" function and should be set up for local development.

	targetStruct should be a pointer to a struct which the config can be unmarshalled to.
**/

func InitializeConfig(defaultPath string, defaultConfig map[string]interface{}, targetStruct interface{}) error {

	// load the config flag argument
	pflag.String(configFlag, defaultPath, "The config file path.")
	pflag.Parse()

	configFile, err := pflag.CommandLine.GetString(configFlag)
	if err != nil {
		return err
	}

	return LoadConfig(configFile, defaultConfig, targetStruct)
}

// LoadConfig is InitializeConfig without flag parsing, for commands that own
// their flags.
func LoadConfig(configFile string, defaultConfig map[string]interface{}, targetStruct interface{}) error {
	v := viper.New()

	var err error
	if !filepath.IsAbs(configFile) {
		configFile, err = filepath.Abs(configFile)
		if err != nil {
			return err
		}
	}

	// set viper's default config using defaultConfig
	for k, val := range defaultConfig {
		v.SetDefault(k, val)
	}

	// set the name for the config file
	v.SetConfigName(strings.TrimSuffix(filepath.Base(configFile), filepath.Ext(configFile)))
	v.AddConfigPath(filepath.Dir(configFile))

	// tell viper to prefer env vars over config keys. An env var must ALSO exist as a key in
	// viper's config for viper to be able to read the env var.
	v.AutomaticEnv()

	// rewrite env var names to use "_" instead of "." when reading env vars
	// this means that the env var RAPIDAPI_TIMEOUT is used in the config struct as RapidAPI.Timeout
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	err = v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		log.Warn().Err(err).Msg("default settings applied")
	} else if err != nil {
		return err
	}

	var bc BaseConfig
	if err := v.Unmarshal(&bc); err != nil {
		return err
	}

	lvl, err := zerolog.ParseLevel(bc.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)

	// unmarshal config into struct
	return v.Unmarshal(targetStruct)
}
