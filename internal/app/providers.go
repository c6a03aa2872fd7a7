package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"mev-scanner/internal/provider"
)

// Providers probes every configured endpoint and prints the health table.
func (a *App) Providers(ctx context.Context) error {
	mgr, err := a.newProviders(nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	endpoints := mgr.CheckAll(ctx)
	_, selectErr := mgr.Client(ctx)

	writeEndpoints(os.Stdout, endpoints, mgr.Active())
	if selectErr != nil {
		fmt.Fprintf(os.Stdout, "\nselection failed: %v\n", selectErr)
		return nil
	}
	fmt.Fprintf(os.Stdout, "\nselected: %s\n", mgr.Active())
	return nil
}

func writeEndpoints(out io.Writer, endpoints []provider.Endpoint, active string) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "\tEndpoint\tTransport\tHealth\tLatency(ms)\tLast Success\tError")
	for _, ep := range endpoints {
		marker := ""
		if ep.URL == active {
			marker = "*"
		}
		if ep.Primary {
			marker += "P"
		}
		lastSuccess := "-"
		if !ep.LastSuccess.IsZero() {
			lastSuccess = ep.LastSuccess.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%.1f\t%s\t%s\n",
			marker,
			ep.URL,
			ep.Transport,
			ep.Health,
			ep.LatencyMs,
			lastSuccess,
			sanitizeInline(ep.LastError),
		)
	}
	writer.Flush()
}
