package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"go.tunnelmgr.dev/tunnelmgr/internal/core"
)

// extractHostAliases only looks at the `Host` keyword and returns the
// concrete aliases after it; patterns and every other directive are ignored
func extractHostAliases(fullConfig string) []string {
	var hosts []string
	seen := make(map[string]bool)

	for _, line := range strings.Split(fullConfig, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "Host") {
			continue
		}

		for _, alias := range fields[1:] {
			if strings.HasPrefix(alias, "#") {
				break
			}
			if strings.ContainsAny(alias, "*?!") {
				continue
			}
			if !seen[alias] {
				hosts = append(hosts, alias)
				seen[alias] = true
			}
		}
	}
	return hosts
}

// readSSHConfig reads an ssh config file and every file it includes.
// Include cycles are cut by visited.
func readSSHConfig(path string, visited map[string]bool) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if visited[absPath] {
		return "", nil
	}
	visited[absPath] = true

	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	var config bytes.Buffer
	config.Write(content)
	config.WriteString("\n")

	for _, line := range strings.Split(string(content), "\n") {
		parts := strings.Fields(line)
		if len(parts) < 2 || !strings.EqualFold(parts[0], "Include") {
			continue
		}

		for _, pattern := range parts[1:] {
			if strings.HasPrefix(pattern, "~/") {
				homeDir, err := os.UserHomeDir()
				if err != nil {
					continue
				}
				pattern = filepath.Join(homeDir, pattern[2:])
			} else if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(filepath.Dir(path), pattern)
			}

			matches, err := filepath.Glob(pattern)
			if err != nil {
				continue
			}
			for _, match := range matches {
				if included, err := readSSHConfig(match, visited); err == nil {
					config.WriteString(included)
				}
			}
		}
	}
	return config.String(), nil
}

// sshHostCompletionFunc completes proxy hosts from ~/.ssh/config
func sshHostCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	config, err := readSSHConfig(filepath.Join(homeDir, ".ssh", "config"), make(map[string]bool))
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	hosts := extractHostAliases(config)
	sort.Strings(hosts)
	return hosts, cobra.ShellCompDirectiveNoFileComp
}

// tunnelKeyCompletionFunc completes the first argument with tunnel keys
func tunnelKeyCompletionFunc(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	// Completion runs without the root pre-run hook
	if settings == nil {
		loaded, err := core.LoadSettings(configPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		settings = loaded
	}
	return knownTunnelKeys(), cobra.ShellCompDirectiveNoFileComp
}
