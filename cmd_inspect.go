package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remmody/tlstap/rec"
)

var printCmd = &cobra.Command{
	Use:   "print <recording>",
	Short: "Print every event in a recording file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := rec.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read recording: %w", err)
		}
		for _, ev := range events {
			fmt.Println(formatEvent(ev))
		}
		fmt.Printf("%d events\n", len(events))
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary <recording>",
	Short: "Aggregate a recording file into an operator report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, err := rec.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read recording: %w", err)
		}
		fmt.Print(rec.Summarize(events).Format())
		return nil
	},
}

func formatEvent(ev rec.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-18s role=%s origin=%s",
		ev.Time.Format("2006-01-02T15:04:05.000Z07:00"), ev.Kind, ev.Role, ev.Origin)
	if ev.ConnID != "" {
		fmt.Fprintf(&b, " conn=%s", ev.ConnID)
	}
	if ev.SNIHostname != "" {
		fmt.Fprintf(&b, " sni=%s", ev.SNIHostname)
	}
	if ev.ResolvedHost != "" && ev.ResolvedHost != ev.SNIHostname {
		fmt.Fprintf(&b, " resolved=%s", ev.ResolvedHost)
	}
	if ev.PeerAddress != "" {
		fmt.Fprintf(&b, " peer=%s:%d", ev.PeerAddress, ev.PeerPort)
	}
	if ev.Protocol != "" {
		fmt.Fprintf(&b, " proto=%q cipher=%q", ev.Protocol, ev.CipherSuite)
	}
	if ev.PeerCertCN != "" {
		fmt.Fprintf(&b, " peer_cn=%s", ev.PeerCertCN)
	}
	if ev.DurationMS != nil {
		fmt.Fprintf(&b, " dur=%dms", *ev.DurationMS)
	}
	return b.String()
}
