package notify

import (
	"encoding/json"
	"errors"

	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/store"
)

const defaultAPIBase = "https://api.telegram.org"

// ConnectorSettings is the effective delivery configuration: built-in
// defaults overlaid with the stored connector's config blob. Credentials
// stay out of the store; the blob may only rename the environment
// variable they are read from.
type ConnectorSettings struct {
	APIBase       string `json:"api_base"`
	CredentialEnv string `json:"credential_env"`
}

// ResolveConnector merges the named connector's stored config over the
// built-in defaults. A missing row or an empty blob yields the defaults;
// a malformed blob is logged and ignored rather than blocking delivery.
func ResolveConnector(repo *store.ConnectorRepository, name, credentialEnv string) ConnectorSettings {
	settings := ConnectorSettings{
		APIBase:       defaultAPIBase,
		CredentialEnv: credentialEnv,
	}

	conn, err := repo.Get(name)
	if errors.Is(err, store.ErrConnectorNotFound) {
		return settings
	}
	if err != nil {
		log.Warn(log.CatNotify, "connector lookup failed, using defaults",
			"connector", name, "error", err)
		return settings
	}
	if len(conn.Config) == 0 {
		return settings
	}

	if err := json.Unmarshal(conn.Config, &settings); err != nil {
		log.Warn(log.CatNotify, "connector config is malformed, using defaults",
			"connector", name, "error", err)
		return ConnectorSettings{APIBase: defaultAPIBase, CredentialEnv: credentialEnv}
	}
	if settings.APIBase == "" {
		settings.APIBase = defaultAPIBase
	}
	if settings.CredentialEnv == "" {
		settings.CredentialEnv = credentialEnv
	}
	return settings
}
