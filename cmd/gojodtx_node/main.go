// Command gojodtx_node runs one node of a gojodtx cluster: the task
// endpoint replicas receive transactions on, the coordinator clients submit
// transactions to, and the raft group holding the partition map.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sushant-115/gojodtx/config"
	"github.com/sushant-115/gojodtx/config/certs"
	"github.com/sushant-115/gojodtx/core/distributed/task"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gojodtx_node",
		Short:        "Distributed index transaction node",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newCertsCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		nodeID     string
		bootstrap  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, nodeID, bootstrap, cmd.Flags().Changed("bootstrap"))
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "gojodtx.yaml", "path to the node configuration")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "override node.id from the configuration")
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "bootstrap the raft cluster with this node")
	return cmd
}

func loadConfig(path, nodeID string, bootstrap, bootstrapSet bool) (config.Config, error) {
	cfg, err := config.LoadUnvalidated(path)
	if err != nil {
		return config.Config{}, err
	}
	if nodeID != "" {
		cfg.Node.ID = nodeID
	}
	if bootstrapSet {
		cfg.Raft.Bootstrap = bootstrap
	}
	return cfg, cfg.Validate()
}

func newCertsCmd() *cobra.Command {
	var (
		dir   string
		hosts []string
	)
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Write a development CA with server and client certificates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pki, err := certs.NewDevPKI(hosts...)
			if err != nil {
				return err
			}
			if err := pki.WriteDir(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote development certificates for %s to %s\n", strings.Join(hosts, ", "), dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "certs", "output directory")
	cmd.Flags().StringSliceVar(&hosts, "hosts", []string{"localhost", "127.0.0.1"}, "DNS names and IPs of the server certificate")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build and task protocol versions",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gojodtx_node %s (task protocol v%d)\n", version, task.Latest().ProtocolVersion())
		},
	}
}
