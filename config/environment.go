package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"

	// DefaultConfigPath and DefaultShardPath are the flag defaults used by main.
	DefaultConfigPath = "config/config.yml"
	DefaultShardPath  = "config/ip_shards.yml"
)

const (
	EnvironmentDevelopment = environmentDevelopment
	EnvironmentProduction  = environmentProduction
	EnvironmentStaging     = environmentStaging
)

var environmentAliases = map[string]string{
	"dev":  environmentDevelopment,
	"prod": environmentProduction,
	"stag": environmentStaging,
}

// getAppEnvironment reads APP_ENV and defaults to development.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath selects an environment specific file when the caller kept
// the default path and that file exists.
func resolveEnvSpecificPath(path, defaultPath string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}

	env := getAppEnvironment()
	ext := ".yml"
	base := strings.TrimSuffix(defaultPath, ext)
	envPath := base + "." + env + ext
	if _, err := os.Stat(envPath); err == nil {
		return envPath
	}
	return path
}

// ResolveConfigPath returns config/config.<env>.yml when it exists and path is the default.
func ResolveConfigPath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath)
}

// ResolveShardPath is ResolveConfigPath for the IP shard file.
func ResolveShardPath(path string) string {
	return resolveEnvSpecificPath(path, DefaultShardPath)
}

// AppEnvironment exposes the normalised APP_ENV value.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether missing shard files should be treated as fatal.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}
