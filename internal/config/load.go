package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by devicecheck.
const EnvPrefix = "DEVICECHECK"

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) error {
	// A missing .env is the normal case on CI runners.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// The CI workflow historically exported the realm as E2E_REALM.
	if os.Getenv(EnvPrefix+"_REALM") == "" && os.Getenv("E2E_REALM") != "" {
		viper.SetDefault("realm", os.Getenv("E2E_REALM"))
	}

	SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	return nil
}

// SetDefaults registers the default value of every known key.
func SetDefaults() {
	viper.SetDefault("realm", "test")
	viper.SetDefault("domain", "autotest.astarte-platform.org")
	viper.SetDefault("insecure", false)
	viper.SetDefault("api_url", "")
	viper.SetDefault("private_key_path", "test_private.pem")
	viper.SetDefault("token_ttl", 5*time.Minute)

	viper.SetDefault("health.mode", "http")
	viper.SetDefault("health.interval", 5*time.Second)
	viper.SetDefault("health.timeout", 10*time.Minute)
	viper.SetDefault("health.services", []string{"appengine", "realmmanagement", "pairing"})
	viper.SetDefault("k8s.namespace", "astarte")
	viper.SetDefault("k8s.kubeconfig", "")
	viper.SetDefault("k8s.deployments", []string{})

	viper.SetDefault("job_timeout", 30*time.Minute)
	viper.SetDefault("scenario_timeout", 5*time.Minute)
	viper.SetDefault("iterations", 0)
	viper.SetDefault("parallelism", 1)
	viper.SetDefault("pairing_scope", ".*::.*")

	viper.SetDefault("interfaces.dir", "e2e-test/interfaces")
	viper.SetDefault("scenarios.file", "")
	viper.SetDefault("scenarios.only", []string{})
	viper.SetDefault("workdir", "workspace/runs")

	viper.SetDefault("executor", "local")
	viper.SetDefault("sdk.dir", ".")
	viper.SetDefault("sdk.target_dir", "target")
	viper.SetDefault("sdk.cargo", "cargo")
	viper.SetDefault("docker.image", "")
	viper.SetDefault("docker.platform", "")

	viper.SetDefault("history.path", "devicecheck.db")
	viper.SetDefault("metrics_port", 0)
	viper.SetDefault("metrics.pushgateway", "")
	viper.SetDefault("metrics.job", "devicecheck")

	viper.SetDefault("notifications.slack.enabled", os.Getenv("SLACK_BOT_USER_TOKEN") != "")
	viper.SetDefault("notifications.slack.channel", "#sdk-e2e")
	viper.SetDefault("notifications.slack.only_failures", false)

	viper.SetDefault("report.s3.bucket", "")
	viper.SetDefault("report.s3.prefix", "devicecheck")
	viper.SetDefault("report.s3.region", "")

	viper.SetDefault("verbose", false)
	viper.SetDefault("log_file", "")
	viper.SetDefault("no_color", false)
}
