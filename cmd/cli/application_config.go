package cli

import (
	_ "embed"

	"github.com/tyemirov/gantry/internal/agents"
	"github.com/tyemirov/gantry/pkg/taskrunner"
)

//go:embed default_config.yaml
var embeddedDefaultConfiguration []byte

// EmbeddedDefaultConfiguration returns the configuration shipped with the binary and its type.
func EmbeddedDefaultConfiguration() ([]byte, string) {
	return append([]byte(nil), embeddedDefaultConfiguration...), configurationTypeConstant
}

// ApplicationConfiguration describes the persisted configuration for the CLI entrypoint.
type ApplicationConfiguration struct {
	Common        ApplicationCommonConfiguration        `mapstructure:"common"`
	Engine        ApplicationEngineConfiguration        `mapstructure:"engine"`
	Agents        ApplicationAgentsConfiguration        `mapstructure:"agents"`
	Notifications ApplicationNotificationsConfiguration `mapstructure:"notifications"`
}

// ApplicationCommonConfiguration stores logging defaults shared across commands.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// ApplicationEngineConfiguration stores directories and approval settings for pipeline runs.
type ApplicationEngineConfiguration struct {
	WorkingDirectory   string `mapstructure:"working_directory"`
	LogDirectory       string `mapstructure:"log_directory"`
	ArtifactDirectory  string `mapstructure:"artifact_directory"`
	InheritEnvironment bool   `mapstructure:"inherit_environment"`
	ApprovalMode       string `mapstructure:"approval_mode"`
	ApprovalListen     string `mapstructure:"approval_listen"`
	Approver           string `mapstructure:"approver"`
	MachineFields      bool   `mapstructure:"machine_fields"`
}

// ApplicationAgentsConfiguration lists the hosts stages may be scheduled on.
type ApplicationAgentsConfiguration struct {
	Hosts []agents.Host `mapstructure:"hosts"`
}

// ApplicationNotificationsConfiguration configures the webhook notification sink.
type ApplicationNotificationsConfiguration struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// EngineConfiguration projects the application configuration onto the engine assembler.
func (configuration ApplicationConfiguration) EngineConfiguration() taskrunner.EngineConfiguration {
	hosts := make([]agents.Host, 0, len(configuration.Agents.Hosts))
	for _, host := range configuration.Agents.Hosts {
		hosts = append(hosts, agents.Host{Identifier: host.Identifier, Labels: append([]string(nil), host.Labels...)})
	}
	return taskrunner.EngineConfiguration{
		WorkingDirectory:    configuration.Engine.WorkingDirectory,
		LogDirectory:        configuration.Engine.LogDirectory,
		ArtifactDirectory:   configuration.Engine.ArtifactDirectory,
		InheritEnvironment:  configuration.Engine.InheritEnvironment,
		ApprovalMode:        configuration.Engine.ApprovalMode,
		ApprovalListen:      configuration.Engine.ApprovalListen,
		Approver:            configuration.Engine.Approver,
		MachineFields:       configuration.Engine.MachineFields,
		Hosts:               hosts,
		WebhookURL:          configuration.Notifications.WebhookURL,
		NotificationChannel: configuration.Notifications.Channel,
	}
}
