package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elecbits/heartbeat-relay/internal/certs"
	"github.com/elecbits/heartbeat-relay/internal/directory"
)

var scanOutput string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover tenants and check their certificates",
	Long: `Run one discovery scan against the secure store and build each tenant's
mutual-TLS context without connecting to the broker.

Examples:
  relay scan
  relay scan --output json`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "table", "output format (table|json)")
}

// ScanReport is one tenant's provisioning result
type ScanReport struct {
	TenantID string `json:"tenant_id"`
	Ready    bool   `json:"ready"`
	Error    string `json:"error,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	res, err := newDirectory(cfg, logger).Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	reports := provisionAll(res, certs.NewProvisioner(cfg.SecureStore.KeyPassphrase, logger))

	switch scanOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	default:
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TENANT\tREADY\tERROR")
		for _, r := range reports {
			fmt.Fprintf(w, "%s\t%t\t%s\n", r.TenantID, r.Ready, r.Error)
		}
		return w.Flush()
	}
}

// provisionAll builds every tenant's secure context and reports failures
// from both fetching and parsing
func provisionAll(res *directory.Result, p *certs.Provisioner) []ScanReport {
	reports := make([]ScanReport, 0, len(res.Tenants)+len(res.Failures))
	for _, t := range res.Tenants {
		r := ScanReport{TenantID: t.ID, Ready: true}
		sc, err := p.BuildSecureContext(t.ID, res.CA, t.Bundle.Cert, t.Bundle.Key)
		if err != nil {
			r.Ready = false
			r.Error = err.Error()
		} else {
			sc.Release()
		}
		reports = append(reports, r)
	}
	for id, cause := range res.Failures {
		reports = append(reports, ScanReport{TenantID: id, Error: cause.Error()})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].TenantID < reports[j].TenantID })
	return reports
}
