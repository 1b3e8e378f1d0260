// run-alerts runs the alert checks once, outside the server scheduler. Useful from cron or
// a Cloud Run job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/freshledger/config"
	"github.com/mmdatafocus/freshledger/utils"
	"github.com/mmdatafocus/freshledger/workflow"
)

func main() {
	cycleID := flag.Int("cycle-id", 0, "Optional: sales cycle to check performance for. Defaults to the active cycle.")
	sweep := flag.Bool("sweep", false, "Also release expired reservations before checking")
	flag.Parse()

	ctx := utils.SetJobNameInContext(context.Background(), "run-alerts")
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	engine := workflow.NewEngine(db, config.GetLogger(), config.LoadEngineSettings())

	if *sweep {
		res, err := engine.SweepExpired(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("released %d expired reservations across %d orders\n", res.Count, len(res.Orders))
	}

	var cycle *int
	if *cycleID > 0 {
		cycle = cycleID
	}
	res, err := engine.Alerts.RunAlertChecks(ctx, cycle)
	if err != nil {
		fmt.Fprintf(os.Stderr, "alert checks failed: %v\n", err)
		os.Exit(1)
	}
	if !res.Success {
		fmt.Fprintf(os.Stderr, "alert checks refused: %s (%s)\n", res.Message, res.Kind)
		os.Exit(2)
	}
	fmt.Printf("performance=%d spoilage=%d low_stock=%d\n",
		len(res.PerformanceAlerts), len(res.SpoilageAlerts), len(res.LowStockAlerts))
}
