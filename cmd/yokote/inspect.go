package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/yokote/diag"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [file.ykdump]",
	Short: "Pretty-print a device state snapshot",
	Long: `inspect decodes a snapshot the driver saved after a queue ` +
		`refused to stop and prints the captured register windows and ` +
		`address-translation mappings.`,
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		report, err := diag.Load(args[0])
		if err != nil {
			log.Fatalf("cannot load snapshot: %v", err)
		}
		printReport(report)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func printReport(r *diag.Report) {
	fmt.Printf("device %s (%s), taken %s\n",
		r.Device, r.Generation, r.TakenAt.Format(time.RFC3339))
	fmt.Printf("in reset: %t\n", r.InReset)

	if len(r.Mappings) > 0 {
		fmt.Println("mappings:")
		for _, m := range r.Mappings {
			fmt.Printf("  vmid %d -> pasid %d\n", m.VMID, m.PASID)
		}
	}

	for _, s := range r.Slots {
		fmt.Printf("compute pipe %d queue %d:\n", s.Pipe, s.Queue)
		if s.Err != "" {
			fmt.Printf("  dump failed: %s\n", s.Err)
			continue
		}
		printRegs(s.Regs)
	}

	for _, s := range r.SDMA {
		fmt.Printf("sdma engine %d queue %d:\n", s.Engine, s.Queue)
		if s.Err != "" {
			fmt.Printf("  dump failed: %s\n", s.Err)
			continue
		}
		printRegs(s.Regs)
	}
}

func printRegs(regs []diag.RegPair) {
	w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	for _, reg := range regs {
		fmt.Fprintf(w, "  %#06x\t%#010x\n", reg.Offset, reg.Value)
	}
	w.Flush()
}
