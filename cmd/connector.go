package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/foreman/internal/domain"
)

var (
	connectorTransport string
	connectorRole      string
	connectorConfig    string
)

var connectorCmd = &cobra.Command{
	Use:   "connector",
	Short: "Manage chat connector configs",
	Long: `Manage connector configurations. A connector config overrides the
built-in delivery defaults (API base, credential variable name) for the
connector named in the notify section of the config file. Credentials
themselves never live in the store.`,
}

var connectorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connector configs",
	RunE:  runConnectorList,
}

var connectorSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Create or update a connector config",
	Long: `Create or update a connector config. Example:

  foreman connector set telegram --config '{"api_base":"https://proxy.example"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runConnectorSet,
}

func init() {
	rootCmd.AddCommand(connectorCmd)
	connectorCmd.AddCommand(connectorListCmd, connectorSetCmd)

	connectorSetCmd.Flags().StringVar(&connectorTransport, "transport", "", "transport (pipe, http)")
	connectorSetCmd.Flags().StringVar(&connectorRole, "role", "", "role scope, empty for all roles")
	connectorSetCmd.Flags().StringVar(&connectorConfig, "config", "", "JSON config blob")
}

func runConnectorList(_ *cobra.Command, _ []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	connectors, err := db.ConnectorRepository().List()
	if err != nil {
		return err
	}
	if len(connectors) == 0 {
		fmt.Println("no connectors")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRANSPORT\tROLE\tCONFIG")
	for _, c := range connectors {
		role := c.RoleScope
		if role == "" {
			role = "-"
		}
		blob := "-"
		if len(c.Config) > 0 {
			blob = string(c.Config)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, c.Transport, role, blob)
	}
	return w.Flush()
}

func runConnectorSet(_ *cobra.Command, args []string) error {
	transport := domain.ConnectorTransport(connectorTransport)
	if connectorTransport != "" && transport != domain.TransportPipe && transport != domain.TransportHTTP {
		return fmt.Errorf("invalid transport %q", connectorTransport)
	}
	if connectorConfig != "" && !json.Valid([]byte(connectorConfig)) {
		return fmt.Errorf("--config is not valid JSON")
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	conn := &domain.Connector{
		Name:      args[0],
		RoleScope: connectorRole,
		Transport: transport,
		Config:    json.RawMessage(connectorConfig),
	}
	if err := db.ConnectorRepository().Save(conn); err != nil {
		return err
	}
	fmt.Printf("connector %s saved\n", conn.Name)
	return nil
}
