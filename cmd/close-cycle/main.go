package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/mmdatafocus/freshledger/workflow"
)

func main() {
	cycleID := flag.Int("cycle-id", 0, "Required: sales cycle to close")
	confirm := flag.String("confirm", "", "Type CLOSE to proceed")
	export := flag.Bool("export", false, "Upload the commission statement to STATEMENT_BUCKET after closing")
	flag.Parse()

	if *cycleID <= 0 {
		fmt.Fprintln(os.Stderr, "--cycle-id is required")
		os.Exit(1)
	}
	if strings.TrimSpace(*confirm) != "CLOSE" {
		fmt.Fprintln(os.Stderr, "set --confirm=CLOSE to proceed")
		os.Exit(1)
	}

	ctx := utils.SetJobNameInContext(context.Background(), "close-cycle")
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()
	engine := workflow.NewEngine(db, logger, config.LoadEngineSettings())

	res, err := engine.Cycles.CloseCycle(ctx, *cycleID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "close failed: %v\n", err)
		os.Exit(1)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "close refused: %s (%s)\n", res.Message, res.Kind)
		os.Exit(2)
	}
	fmt.Printf("cycle %d closed: commissions=%d performance_alerts=%d\n",
		*cycleID, len(res.Commissions), len(res.PerformanceAlerts))
	for _, s := range res.Skipped {
		fmt.Println("skipped:", s)
	}

	if *export {
		statement, err := workflow.ExportCycleStatement(ctx, db, logger, *cycleID, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("statement %s rows=%d uri=%s\n", statement.FileName, statement.Rows, statement.URI)
	}
}
