package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/John-Rood/MemoryRouter-sub003/internal/kronos"
	"github.com/John-Rood/MemoryRouter-sub003/internal/snapshot"
	"github.com/John-Rood/MemoryRouter-sub003/internal/vectorindex"
)

// inspection describes a snapshot file or a raw index encoding.
type inspection struct {
	Kind   string             `json:"kind"`
	Layout vectorindex.Layout `json:"layout"`

	Key           string    `json:"memory_key,omitempty"`
	Records       int       `json:"records"`
	Pending       int       `json:"pending,omitempty"`
	BufferTokens  int       `json:"buffer_tokens,omitempty"`
	LastChunkID   uint32    `json:"last_chunk_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	FirstRecordAt time.Time `json:"first_record_at"`
	LastRecordAt  time.Time `json:"last_record_at"`
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Work with hibernated memory snapshots",
	}

	var asJSON bool
	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Validate a snapshot or index encoding and print its layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			info, err := inspect(data)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			printInspection(cmd.OutOrStdout(), info)
			return nil
		},
	}
	inspect.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.AddCommand(inspect)
	return cmd
}

// inspect accepts either an encoded snapshot (JSON) or a bare index binary.
func inspect(data []byte) (*inspection, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return inspectSnapshot(trimmed)
	}
	info, _, err := inspectIndex(data)
	if err != nil {
		return nil, err
	}
	info.Kind = "index"
	return info, nil
}

func inspectSnapshot(data []byte) (*inspection, error) {
	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}
	info, idx, err := inspectIndex(snap.Index)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", snap.Key, err)
	}
	if len(snap.Records) != idx.Len() {
		return nil, fmt.Errorf("snapshot %s: %d records for %d indexed vectors", snap.Key, len(snap.Records), idx.Len())
	}
	info.Kind = "snapshot"
	info.Key = snap.Key
	info.Pending = len(snap.Pending)
	info.BufferTokens = snap.Buffer.TokenEstimate
	info.LastChunkID = snap.LastChunkID
	info.CreatedAt = snap.CreatedAt
	return info, nil
}

func inspectIndex(data []byte) (*inspection, *vectorindex.Index, error) {
	layout, err := vectorindex.ReadLayout(data)
	if err != nil {
		return nil, nil, err
	}
	idx, err := vectorindex.Decode(data)
	if err != nil {
		return nil, nil, err
	}
	info := &inspection{Layout: layout, Records: idx.Len()}
	if recs := idx.Records(); len(recs) > 0 {
		first, last := recs[0].Timestamp, recs[0].Timestamp
		for _, r := range recs[1:] {
			first = min(first, r.Timestamp)
			last = max(last, r.Timestamp)
		}
		info.FirstRecordAt = kronos.FromMillis(first).UTC()
		info.LastRecordAt = kronos.FromMillis(last).UTC()
	}
	if last, ok := idx.LastID(); ok {
		info.LastChunkID = last
	}
	return info, idx, nil
}

func printInspection(w io.Writer, info *inspection) {
	fmt.Fprintf(w, "kind:        %s\n", info.Kind)
	if info.Key != "" {
		fmt.Fprintf(w, "memory key:  %s\n", info.Key)
	}
	l := info.Layout
	fmt.Fprintf(w, "dimension:   %d\n", l.Dim)
	fmt.Fprintf(w, "capacity:    %d\n", l.Capacity)
	fmt.Fprintf(w, "size:        %d\n", l.Size)
	fmt.Fprintf(w, "padding:     %d bytes\n", l.PaddingBytes)
	fmt.Fprintf(w, "offsets:     ids=%d vectors=%d timestamps=%d\n", l.IDsOffset, l.VectorsOffset, l.TimestampsOffset)
	fmt.Fprintf(w, "total bytes: %d\n", l.TotalBytes)
	fmt.Fprintf(w, "records:     %d\n", info.Records)
	fmt.Fprintf(w, "last id:     %d\n", info.LastChunkID)
	if !info.FirstRecordAt.IsZero() {
		fmt.Fprintf(w, "span:        %s .. %s\n", info.FirstRecordAt.Format(time.RFC3339), info.LastRecordAt.Format(time.RFC3339))
	}
	if info.Kind == "snapshot" {
		fmt.Fprintf(w, "pending:     %d\n", info.Pending)
		fmt.Fprintf(w, "buffer:      %d tokens\n", info.BufferTokens)
		fmt.Fprintf(w, "created at:  %s\n", info.CreatedAt.Format(time.RFC3339))
	}
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
