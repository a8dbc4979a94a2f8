package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the resolved configuration of one devicecheck invocation.
// It is built once and handed to every component by value.
type Settings struct {
	Realm    string
	Domain   string
	Insecure bool
	// APIBase replaces the api.<domain> gateway URL when set.
	APIBase        string
	PrivateKeyPath string
	TokenTTL       time.Duration
	PairingScope   string

	Health HealthSettings

	JobTimeout      time.Duration
	ScenarioTimeout time.Duration
	Iterations      int
	Parallelism     int

	InterfacesDir string
	ScenariosFile string
	Only          []string
	WorkDir       string

	Executor string
	SDK      SDKSettings
	Docker   DockerSettings

	HistoryPath string
	MetricsPort int
	PushGateway string
	MetricsJob  string
	Slack       SlackSettings
	ReportS3    S3Settings
	Verbose     bool
	LogFile     string
	NoColor     bool
}

// HealthSettings configures the readiness wait.
type HealthSettings struct {
	Mode          string
	Interval      time.Duration
	Timeout       time.Duration
	Services      []string
	K8sNamespace  string
	K8sConfig     string
	K8sDeployment []string
}

// SDKSettings locates the scenario programs for the local executor.
type SDKSettings struct {
	Dir       string
	TargetDir string
	Cargo     string
}

// DockerSettings configures the container executor.
type DockerSettings struct {
	Image    string
	Platform string
}

// SlackSettings configures the run summary notification.
type SlackSettings struct {
	Enabled      bool
	Channel      string
	Token        string
	OnlyFailures bool
}

// S3Settings configures the report upload.
type S3Settings struct {
	Bucket string
	Prefix string
	Region string
}

// FromViper resolves Settings from the loaded viper state.
func FromViper() Settings {
	return Settings{
		Realm:          viper.GetString("realm"),
		Domain:         viper.GetString("domain"),
		Insecure:       viper.GetBool("insecure"),
		APIBase:        viper.GetString("api_url"),
		PrivateKeyPath: viper.GetString("private_key_path"),
		TokenTTL:       getDuration("token_ttl"),
		PairingScope:   viper.GetString("pairing_scope"),
		Health: HealthSettings{
			Mode:          viper.GetString("health.mode"),
			Interval:      getDuration("health.interval"),
			Timeout:       getDuration("health.timeout"),
			Services:      viper.GetStringSlice("health.services"),
			K8sNamespace:  viper.GetString("k8s.namespace"),
			K8sConfig:     viper.GetString("k8s.kubeconfig"),
			K8sDeployment: viper.GetStringSlice("k8s.deployments"),
		},
		JobTimeout:      getDuration("job_timeout"),
		ScenarioTimeout: getDuration("scenario_timeout"),
		Iterations:      viper.GetInt("iterations"),
		Parallelism:     viper.GetInt("parallelism"),
		InterfacesDir:   viper.GetString("interfaces.dir"),
		ScenariosFile:   viper.GetString("scenarios.file"),
		Only:            viper.GetStringSlice("scenarios.only"),
		WorkDir:         viper.GetString("workdir"),
		Executor:        viper.GetString("executor"),
		SDK: SDKSettings{
			Dir:       viper.GetString("sdk.dir"),
			TargetDir: viper.GetString("sdk.target_dir"),
			Cargo:     viper.GetString("sdk.cargo"),
		},
		Docker: DockerSettings{
			Image:    viper.GetString("docker.image"),
			Platform: viper.GetString("docker.platform"),
		},
		HistoryPath: viper.GetString("history.path"),
		MetricsPort: viper.GetInt("metrics_port"),
		PushGateway: viper.GetString("metrics.pushgateway"),
		MetricsJob:  viper.GetString("metrics.job"),
		Slack: SlackSettings{
			Enabled:      viper.GetBool("notifications.slack.enabled"),
			Channel:      viper.GetString("notifications.slack.channel"),
			Token:        os.Getenv("SLACK_BOT_USER_TOKEN"),
			OnlyFailures: viper.GetBool("notifications.slack.only_failures"),
		},
		ReportS3: S3Settings{
			Bucket: viper.GetString("report.s3.bucket"),
			Prefix: viper.GetString("report.s3.prefix"),
			Region: viper.GetString("report.s3.region"),
		},
		Verbose: viper.GetBool("verbose"),
		LogFile: viper.GetString("log_file"),
		NoColor: viper.GetBool("no_color"),
	}
}

// APIURL is the base URL of the backend API gateway.
func (s Settings) APIURL() string {
	if s.APIBase != "" {
		return strings.TrimRight(s.APIBase, "/")
	}
	return s.scheme() + "://api." + s.Domain
}

// PairingURL is the pairing endpoint handed to devices in their configuration.
func (s Settings) PairingURL() string {
	return s.APIURL() + "/pairing"
}

func (s Settings) scheme() string {
	if s.Insecure {
		return "http"
	}
	return "https"
}

// String is a log-friendly summary that never includes secrets.
func (s Settings) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "realm=%s api=%s executor=%s parallelism=%d", s.Realm, s.APIURL(), s.Executor, s.Parallelism)
	if s.Iterations > 0 {
		fmt.Fprintf(&b, " iterations=%d", s.Iterations)
	}
	return b.String()
}

// getDuration accepts both duration strings and plain seconds.
func getDuration(key string) time.Duration {
	if d := viper.GetDuration(key); d != 0 {
		// viper parses a bare integer as nanoseconds.
		if s := viper.GetString(key); isDigits(s) {
			return time.Duration(viper.GetInt(key)) * time.Second
		}
		return d
	}
	return 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
