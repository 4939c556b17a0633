package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/intrascale/intrascale/api"
	"github.com/intrascale/intrascale/types"
)

// runStatus renders the node, peer and job tables of a running node,
// the HTTP counterpart of the original live terminal view.
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:50080", "Node status address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}

	var nodeStatus api.NodeStatus
	if err := fetch(client, *addr+"/v1/node", &nodeStatus); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reach node: %v\n", err)
		os.Exit(1)
	}

	var peers api.PeerList
	if err := fetch(client, *addr+"/v1/peers", &peers); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch peers: %v\n", err)
		os.Exit(1)
	}

	var jobs []*types.JobSnapshot
	if err := fetch(client, *addr+"/v1/jobs", &jobs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch jobs: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Node %s (%s) at %s\n", nodeStatus.NodeID.Short(), nodeStatus.Hostname, nodeStatus.Addr)
	fmt.Printf("  discovery: %s   uptime: %s   peers: %d   jobs: %d\n\n",
		nodeStatus.Discovery,
		(time.Duration(nodeStatus.UptimeSeconds) * time.Second).String(),
		nodeStatus.Peers,
		nodeStatus.Jobs,
	)

	printPeerTable(peers)
	fmt.Println()
	printJobTable(jobs)
}

// fetch GETs a JSON endpoint and unpacks the response envelope.
func fetch(client *http.Client, url string, dst interface{}) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope api.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !envelope.Success {
		if envelope.Error != nil {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	// Data round-trips through JSON to land in the typed destination.
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func printPeerTable(peers api.PeerList) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tHOST\tADDR\tSTATE\tCORES\tCPU IDLE\tMEM FREE\tGPU\tLAST SEEN")

	rows := make([]*types.PeerRecord, 0, len(peers.Peers)+1)
	if peers.Self != nil {
		rows = append(rows, peers.Self)
	}
	rows = append(rows, peers.Peers...)

	for i, p := range rows {
		host := p.Hostname
		if i == 0 && peers.Self != nil {
			host += " (self)"
		}
		gpu := "-"
		if p.Capacity.GPU {
			gpu = p.Capacity.GPUKind
			if gpu == "" {
				gpu = "yes"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.0f%%\t%s\t%s\t%s\n",
			p.NodeID.Short(),
			host,
			p.Addr,
			p.State,
			p.Capacity.CPUCores,
			p.Capacity.CPUIdlePercent,
			formatBytes(p.Capacity.MemoryFreeBytes),
			gpu,
			formatAge(p.LastHeartbeat),
		)
	}
	w.Flush()
}

func printJobTable(jobs []*types.JobSnapshot) {
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tHANDLER\tSTATE\tTASKS\tDONE\tSUBMITTED")
	for _, j := range jobs {
		done := 0
		for _, t := range j.Tasks {
			if t.State == types.TaskDone {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			j.JobID,
			j.Handler,
			j.State,
			len(j.Tasks),
			done,
			formatAge(j.SubmittedAt),
		)
	}
	w.Flush()
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
