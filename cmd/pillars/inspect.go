package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/pointpillars/internal/checkpoint"
	"github.com/banshee-data/pointpillars/internal/fsutil"
	"github.com/banshee-data/pointpillars/internal/monitoring"
	"github.com/banshee-data/pointpillars/internal/summary"
)

// openSummary opens the summary database of an existing model directory.
func openSummary(modelDir string) (*summary.DB, error) {
	if modelDir == "" {
		return nil, fmt.Errorf("-model-dir is required")
	}
	path := summary.Path(modelDir)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no summary database in %s: %w", modelDir, err)
	}
	return summary.Open(path)
}

func handleCheckpoints(args []string, stdout io.Writer) error {
	fs := newFlagSet("checkpoints")
	dir := fs.String("dir", "", "Checkpoint directory, usually a model dir (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		fs.Usage()
		return fmt.Errorf("checkpoints: -dir is required")
	}
	entries, err := checkpoint.NewStore(fsutil.OSFileSystem{}).List(*dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(stdout, "no checkpoints in %s\n", *dir)
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "%8d  %s\n", e.Step, e.Path)
	}
	return nil
}

func handlePlot(args []string, stdout io.Writer) error {
	fs := newFlagSet("plot")
	modelDir := fs.String("model-dir", "", "Model directory (required)")
	title := fs.String("title", "", "Plot title (default: model dir name)")
	out := fs.String("out", "", "Output image, png/svg/pdf (default <model-dir>/summary/<first tag>.png)")
	var tags tagList
	fs.Var(&tags, "tag", "Scalar tag to plot (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(tags) == 0 {
		fs.Usage()
		return fmt.Errorf("plot: at least one -tag is required")
	}
	db, err := openSummary(*modelDir)
	if err != nil {
		return err
	}
	defer db.Close()

	if *title == "" {
		*title = filepath.Base(*modelDir)
	}
	if *out == "" {
		*out = filepath.Join(*modelDir, summary.DirName, fsutil.SafeName(tags[0])+".png")
	}
	if err := db.PlotScalars(tags, *title, *out); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}

func handleDashboard(args []string, stdout io.Writer) error {
	fs := newFlagSet("dashboard")
	modelDir := fs.String("model-dir", "", "Model directory (required)")
	prefix := fs.String("prefix", "", "Only chart tags with this prefix")
	out := fs.String("out", "", "Output HTML file (default <model-dir>/summary/dashboard[-<prefix>].html)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, err := openSummary(*modelDir)
	if err != nil {
		return err
	}
	defer db.Close()

	if *out == "" {
		name := "dashboard"
		if *prefix != "" {
			name += "-" + fsutil.SafeName(*prefix)
		}
		*out = filepath.Join(*modelDir, summary.DirName, name+".html")
	}
	var buf bytes.Buffer
	if err := db.RenderDashboard(&buf, filepath.Base(*modelDir), *prefix); err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(fsutil.OSFileSystem{}, *out, buf.Bytes(), 0644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}

func handleMigrate(args []string, stdout io.Writer) error {
	fs := newFlagSet("migrate")
	modelDir := fs.String("model-dir", "", "Model directory (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("migrate: want one of up, down, version, force <n>")
	}
	db, err := openSummary(*modelDir)
	if err != nil {
		return err
	}
	defer db.Close()

	switch fs.Arg(0) {
	case "up":
		// Open has already migrated up.
	case "down":
		if err := db.MigrateDown(); err != nil {
			return err
		}
	case "force":
		if fs.NArg() < 2 {
			return fmt.Errorf("migrate force: missing version")
		}
		v, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("migrate force: %w", err)
		}
		if err := db.MigrateForce(v); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("migrate: unknown action %q", fs.Arg(0))
	}

	v, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "schema version %d", v)
	if dirty {
		fmt.Fprint(stdout, " (dirty)")
	}
	fmt.Fprintln(stdout)
	return nil
}

func handleServe(ctx context.Context, args []string) error {
	fs := newFlagSet("serve")
	modelDir := fs.String("model-dir", "", "Model directory (required)")
	listen := fs.String("listen", "localhost:8088", "HTTP listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, err := openSummary(*modelDir)
	if err != nil {
		return err
	}
	defer db.Close()

	mux := http.NewServeMux()
	if err := db.AttachDebugRoutes(mux); err != nil {
		return err
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/debug/", http.StatusFound)
	})

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return serve(ctx, lis, mux)
}

// serve runs an HTTP server on lis until ctx is done.
func serve(ctx context.Context, lis net.Listener, h http.Handler) error {
	server := &http.Server{Handler: h}
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("serving summaries on http://%s/debug/", lis.Addr())
		errc <- server.Serve(lis)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
