package utils

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	configurationReadErrorTemplateConstant     = "unable to read configuration file %s: %w"
	configurationSearchErrorTemplateConstant   = "unable to read configuration: %w"
	configurationEmbeddedErrorTemplateConstant = "unable to merge embedded configuration: %w"
	configurationDecodeErrorTemplateConstant   = "unable to decode configuration: %w"
	configurationTargetMissingMessageConstant  = "configuration target must be provided"
	environmentKeySeparatorConstant            = "_"
	configurationKeySeparatorConstant          = "."
)

// LoadedConfiguration describes where the effective configuration came from.
type LoadedConfiguration struct {
	ConfigFileUsed string
}

// ConfigurationLoader merges embedded defaults, a configuration file, and environment overrides with viper.
type ConfigurationLoader struct {
	configurationName     string
	configurationType     string
	environmentPrefix     string
	searchPaths           []string
	embeddedConfiguration []byte
	embeddedType          string
}

// NewConfigurationLoader constructs a loader that searches the provided directories for name.type files.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	copiedSearchPaths := make([]string, 0, len(searchPaths))
	for _, searchPath := range searchPaths {
		trimmedPath := strings.TrimSpace(searchPath)
		if len(trimmedPath) == 0 {
			continue
		}
		copiedSearchPaths = append(copiedSearchPaths, trimmedPath)
	}
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       copiedSearchPaths,
	}
}

// SetEmbeddedConfiguration installs configuration content merged beneath file and environment values.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(content []byte, contentType string) {
	if loader == nil {
		return
	}
	loader.embeddedConfiguration = append([]byte(nil), content...)
	loader.embeddedType = strings.TrimSpace(contentType)
}

// LoadConfiguration decodes the effective configuration into target.
// Precedence from lowest to highest: defaults, embedded content, configuration file, environment.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, target any) (LoadedConfiguration, error) {
	if target == nil {
		return LoadedConfiguration{}, errors.New(configurationTargetMissingMessageConstant)
	}

	viperInstance := viper.New()
	for key, value := range defaultValues {
		viperInstance.SetDefault(key, value)
	}

	if len(loader.embeddedConfiguration) > 0 {
		embeddedType := loader.embeddedType
		if len(embeddedType) == 0 {
			embeddedType = loader.configurationType
		}
		viperInstance.SetConfigType(embeddedType)
		if mergeError := viperInstance.MergeConfig(bytes.NewReader(loader.embeddedConfiguration)); mergeError != nil {
			return LoadedConfiguration{}, fmt.Errorf(configurationEmbeddedErrorTemplateConstant, mergeError)
		}
	}

	metadata := LoadedConfiguration{}
	trimmedFilePath := strings.TrimSpace(configurationFilePath)
	switch {
	case len(trimmedFilePath) > 0:
		viperInstance.SetConfigFile(trimmedFilePath)
		if readError := viperInstance.MergeInConfig(); readError != nil {
			return LoadedConfiguration{}, fmt.Errorf(configurationReadErrorTemplateConstant, trimmedFilePath, readError)
		}
		metadata.ConfigFileUsed = viperInstance.ConfigFileUsed()
	case len(loader.searchPaths) > 0:
		viperInstance.SetConfigName(loader.configurationName)
		viperInstance.SetConfigType(loader.configurationType)
		for _, searchPath := range loader.searchPaths {
			viperInstance.AddConfigPath(searchPath)
		}
		readError := viperInstance.MergeInConfig()
		var notFoundError viper.ConfigFileNotFoundError
		switch {
		case readError == nil:
			metadata.ConfigFileUsed = viperInstance.ConfigFileUsed()
		case errors.As(readError, &notFoundError):
		default:
			return LoadedConfiguration{}, fmt.Errorf(configurationSearchErrorTemplateConstant, readError)
		}
	}

	if len(loader.environmentPrefix) > 0 {
		viperInstance.SetEnvPrefix(loader.environmentPrefix)
	}
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(configurationKeySeparatorConstant, environmentKeySeparatorConstant))
	viperInstance.AutomaticEnv()

	decoderOptions := func(decoderConfiguration *mapstructure.DecoderConfig) {
		decoderConfiguration.TagName = "mapstructure"
		decoderConfiguration.WeaklyTypedInput = true
		decoderConfiguration.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
	if decodeError := viperInstance.Unmarshal(target, decoderOptions); decodeError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationDecodeErrorTemplateConstant, decodeError)
	}

	return metadata, nil
}
