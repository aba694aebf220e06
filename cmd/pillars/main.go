// Command pillars trains and evaluates point-cloud object detectors and
// inspects the checkpoints and summaries they leave behind.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/banshee-data/pointpillars/internal/detector/synthetic"
	"github.com/banshee-data/pointpillars/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, flag.Arg(0), flag.Args()[1:], os.Stdout)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pillars: %v\n", err)
		os.Exit(1)
	}
}

var errUnknownCommand = errors.New("unknown command")

func run(ctx context.Context, command string, args []string, stdout io.Writer) error {
	switch command {
	case "train":
		return handleTrain(ctx, args, stdout)
	case "evaluate":
		return handleEvaluate(ctx, args, stdout)
	case "checkpoints":
		return handleCheckpoints(args, stdout)
	case "plot":
		return handlePlot(args, stdout)
	case "dashboard":
		return handleDashboard(args, stdout)
	case "migrate":
		return handleMigrate(args, stdout)
	case "serve":
		return handleServe(ctx, args)
	case "version":
		fmt.Fprintln(stdout, version.String())
		return nil
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("%w: %s", errUnknownCommand, command)
	}
}

func printUsage() { fmt.Println(usage) }

const usage = `pillars - train and evaluate point-cloud object detectors

Usage: pillars <command> [options]

Commands:
  train        Run the phased train/eval loop
  evaluate     Score a checkpoint on the evaluation set
  checkpoints  List the checkpoints in a directory
  plot         Plot summary scalars to an image
  dashboard    Render summary scalars as an HTML dashboard
  migrate      Manage the summary database schema
  serve        Browse a model directory's summaries over HTTP
  version      Show build information
  help         Show this help message

Examples:
  # Train, logging every 50 steps and evaluating each steps_per_eval
  pillars train -config pipeline.hujson -model-dir runs/car

  # Evaluate the latest checkpoint against in-range ground truth only
  pillars evaluate -config pipeline.hujson -model-dir runs/car -evaluation-mode 1/1

  # Plot losses
  pillars plot -model-dir runs/car -tag loss/loc_elem -tag loss/cls_pos_rt -out loss.png

  # Browse the summary database at http://localhost:8088/debug/
  pillars serve -model-dir runs/car`

// newFlagSet returns a flag set whose parse errors come back to the caller
// instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// tagList collects a repeatable string flag.
type tagList []string

func (t *tagList) String() string { return fmt.Sprint(*t) }

func (t *tagList) Set(v string) error {
	*t = append(*t, v)
	return nil
}
