package pluginregistry

// VulnIssue is one structured finding from the install-time vulnerability
// scan.
type VulnIssue struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

const (
	VulnShellWithNetwork    = "VULN_SHELL_WITH_NETWORK"
	VulnWildcardFilesystem  = "VULN_WILDCARD_FILESYSTEM"
	VulnWildcardNetwork     = "VULN_WILDCARD_NETWORK"
	VulnExcessiveSecrets    = "VULN_EXCESSIVE_SECRETS"
	VulnShellDefaultEnabled = "VULN_SHELL_DEFAULT_ENABLED"

	maxSecretsAllowed = 10
)

// Scan runs the install-time vulnerability scan. Built-in plugins bypass
// every non-builtin-scoped check.
func Scan(m Manifest) []VulnIssue {
	var issues []VulnIssue
	builtin := m.Origin == OriginBuiltin

	if m.Permissions.Shell && hasNetworkAccess(m.Permissions) {
		issues = append(issues, VulnIssue{ID: VulnShellWithNetwork, Message: "plugin requests both shell and network access"})
	}

	if !builtin {
		if hasWildcardFilesystem(m.Permissions) {
			issues = append(issues, VulnIssue{ID: VulnWildcardFilesystem, Message: "non-builtin plugin requests wildcard filesystem access"})
		}
		if hasWildcardNetwork(m.Permissions) {
			issues = append(issues, VulnIssue{ID: VulnWildcardNetwork, Message: "non-builtin plugin requests wildcard network access"})
		}
		if m.Permissions.Shell {
			issues = append(issues, VulnIssue{ID: VulnShellDefaultEnabled, Message: "non-builtin plugin requests shell access"})
		}
	}

	if len(m.Permissions.Secrets) > maxSecretsAllowed {
		issues = append(issues, VulnIssue{ID: VulnExcessiveSecrets, Message: "plugin requests more than 10 secrets"})
	}

	return issues
}

func hasNetworkAccess(p Permissions) bool {
	return p.Network != nil && (len(p.Network.Domains) > 0 || len(p.Network.Protocols) > 0)
}

func hasWildcardFilesystem(p Permissions) bool {
	if p.Filesystem == nil {
		return false
	}
	return containsWildcard(p.Filesystem.Read) || containsWildcard(p.Filesystem.Write)
}

func hasWildcardNetwork(p Permissions) bool {
	if p.Network == nil {
		return false
	}
	return containsWildcard(p.Network.Domains)
}

func containsWildcard(entries []string) bool {
	for _, e := range entries {
		if e == "*" {
			return true
		}
	}
	return false
}
