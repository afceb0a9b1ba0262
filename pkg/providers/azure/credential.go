package azure

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// Credential modes.
const (
	CredentialDefault         = "default"
	CredentialClientSecret    = "client_secret"
	CredentialManagedIdentity = "managed_identity"
	CredentialCLI             = "cli"
)

// CredentialConfig selects how the orchestrator authenticates.
type CredentialConfig struct {
	Mode         string `mapstructure:"mode" validate:"omitempty,oneof=default client_secret managed_identity cli"`
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// NewCredential builds a token credential for the configured mode.
// An empty mode uses the default chain (environment, workload identity,
// managed identity, CLI).
func NewCredential(cfg CredentialConfig) (azcore.TokenCredential, error) {
	switch cfg.Mode {
	case "", CredentialDefault:
		return azidentity.NewDefaultAzureCredential(nil)

	case CredentialClientSecret:
		if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("client_secret requires tenant_id, client_id, and client_secret")
		}
		return azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)

	case CredentialManagedIdentity:
		opts := &azidentity.ManagedIdentityCredentialOptions{}
		if cfg.ClientID != "" {
			opts.ID = azidentity.ClientID(cfg.ClientID)
		}
		return azidentity.NewManagedIdentityCredential(opts)

	case CredentialCLI:
		opts := &azidentity.AzureCLICredentialOptions{TenantID: cfg.TenantID}
		return azidentity.NewAzureCLICredential(opts)

	default:
		return nil, fmt.Errorf("unknown credential mode: %s", cfg.Mode)
	}
}
