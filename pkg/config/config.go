// Package config resolves runtime settings from the environment and loads
// the YAML inputs the CLI consumes: agent definition seeds and recorded
// projection-view sequences for replay.
package config

import "os"

// Config holds the process-wide paths and settings. Every field has an
// environment override; flags on the individual subcommands win over both.
type Config struct {
	DBPath         string
	WorkspacesRoot string
	ViewPath       string
	RegistryPath   string
	LedgerPath     string
	LogDir         string
	LogLevel       string
	ChiefAgent     string
}

// Load reads configuration from environment variables.
func Load() *Config {
	dbPath := os.Getenv("BUREAU_DB")
	if dbPath == "" {
		dbPath = "bureau.db"
	}

	workspacesRoot := os.Getenv("BUREAU_WORKSPACES_ROOT")
	if workspacesRoot == "" {
		workspacesRoot = "workspaces"
	}

	viewPath := os.Getenv("BUREAU_VIEW")
	if viewPath == "" {
		viewPath = "state/office_view.json"
	}

	registryPath := os.Getenv("BUREAU_REGISTRY")
	if registryPath == "" {
		registryPath = "state/registry.json"
	}

	ledgerPath := os.Getenv("BUREAU_LEDGER")
	if ledgerPath == "" {
		ledgerPath = "state/governance_ledger.jsonl"
	}

	logDir := os.Getenv("BUREAU_LOG_DIR")
	if logDir == "" {
		logDir = "logs"
	}

	logLevel := os.Getenv("BUREAU_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	chiefAgent := os.Getenv("BUREAU_CHIEF_AGENT")
	if chiefAgent == "" {
		chiefAgent = "command"
	}

	return &Config{
		DBPath:         dbPath,
		WorkspacesRoot: workspacesRoot,
		ViewPath:       viewPath,
		RegistryPath:   registryPath,
		LedgerPath:     ledgerPath,
		LogDir:         logDir,
		LogLevel:       logLevel,
		ChiefAgent:     chiefAgent,
	}
}
