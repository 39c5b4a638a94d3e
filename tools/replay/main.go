package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"go.temporal.io/sdk/worker"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/workflows"
)

// Replays an exported workflow history against the current workflow code.
// Any divergence between the recorded history and the code fails the replay,
// which is how deploys are checked for non-deterministic changes.
func main() {
	historyPath := flag.String("history", "", "Path to Temporal workflow history JSON (from 'temporal workflow show --output json')")
	flag.Parse()

	if *historyPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -history /path/to/history.json")
		os.Exit(2)
	}

	replayer := worker.NewWorkflowReplayer()
	replayer.RegisterWorkflow(workflows.GenerationWorkflow)

	if err := replayer.ReplayWorkflowHistoryFromJSONFile(nil, *historyPath); err != nil {
		log.Fatalf("Replay failed (non-deterministic change or invalid history): %v", err)
	}

	log.Printf("Replay succeeded for %s", *historyPath)
}
