package summary

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pointpillars/internal/httputil"
)

// AttachDebugRoutes mounts the summary browser under /debug/: a live SQL
// console over the database, the chart dashboard, on-demand PNG plots and
// the raw scalar series as JSON.
func (db *DB) AttachDebugRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Training summary",
	})
	debug.Handle("tailsql/", "SQL over the summary stream", tsql.NewMux())

	debug.Handle("dashboard", "Scalar charts (?prefix=loss/)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := db.RenderDashboard(&buf, "Training summary", r.URL.Query().Get("prefix")); err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	}))

	debug.Handle("plot", "PNG plot of tags (?tag=a&tag=b)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tags := r.URL.Query()["tag"]
		if len(tags) == 0 {
			httputil.BadRequest(w, "at least one tag is required")
			return
		}
		tmp, err := os.CreateTemp("", "summary-*.png")
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		path := tmp.Name()
		tmp.Close()
		defer os.Remove(path)

		if err := db.PlotScalars(tags, strings.Join(tags, ", "), path); err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, path)
	}))

	debug.Handle("scalars", "Scalar tags as JSON, or one series with ?tag=", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tag := q.Get("tag")
		if tag == "" {
			tags, err := db.Tags(q.Get("prefix"))
			if err != nil {
				httputil.InternalServerError(w, err)
				return
			}
			httputil.WriteJSON(w, http.StatusOK, tags)
			return
		}
		pts, err := db.Scalars(tag)
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		if len(pts) == 0 {
			httputil.NotFound(w, "no scalars for "+tag)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, pts)
	}))

	debug.Handle("backup", "Download a consistent copy of the summary database", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dir, err := os.MkdirTemp("", "summary-backup-")
		if err != nil {
			httputil.InternalServerError(w, err)
			return
		}
		defer os.RemoveAll(dir)
		backup := filepath.Join(dir, FileName)
		if _, err := db.Exec("VACUUM INTO ?", backup); err != nil {
			httputil.InternalServerError(w, fmt.Errorf("failed to create backup: %w", err))
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename="+FileName)
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, backup)
	}))
	return nil
}
