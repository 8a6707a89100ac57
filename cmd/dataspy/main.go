// Command dataspy monitors URLs for content changes.
//
// Usage:
//
//	dataspy add -url https://example.com [-id news] [-interval 3600]
//	dataspy list
//	dataspy check <id>       # one-shot check, bypasses the schedule
//	dataspy remove <id>
//	dataspy events <id>
//	dataspy monitor          # run the check loop in the foreground
//	dataspy serve -addr :8080
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dataspy/dbopen"
	"github.com/hazyhaar/dataspy/monitor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "add":
		err = cmdAdd(args)
	case "list":
		err = cmdList(args)
	case "check":
		err = cmdCheck(args)
	case "remove":
		err = cmdRemove(args)
	case "events":
		err = cmdEvents(args)
	case "monitor":
		err = cmdMonitor(args)
	case "serve":
		err = cmdServe(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dataspy: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dataspy <command> [flags]

commands:
  add      add a monitored task
  list     list tasks
  check    run one check for a task now
  remove   delete a task and its history
  events   print a task's event history
  monitor  run the check loop in the foreground
  serve    run the check loop with the HTTP API`)
}

// commonFlags are shared by every subcommand.
type commonFlags struct {
	db       *string
	config   *string
	logLevel *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		db:       fs.String("db", "dataspy.db", "path to the sqlite database"),
		config:   fs.String("config", "", "path to a YAML config file"),
		logLevel: fs.String("log-level", "info", "log level: debug, info, warn, error"),
	}
}

func (c *commonFlags) logger() *slog.Logger {
	var level slog.Level
	switch *c.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openService opens the database and builds the service.
func (c *commonFlags) openService() (*monitor.Service, *sql.DB, error) {
	var cfg *monitor.Config
	if *c.config != "" {
		loaded, err := monitor.LoadConfigFile(*c.config)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	db, err := dbopen.Open(*c.db)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	svc, err := monitor.New(db, cfg, c.logger())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return svc, db, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	common := addCommonFlags(fs)
	url := fs.String("url", "", "URL to monitor (required)")
	id := fs.String("id", "", "task id (default: generated)")
	name := fs.String("name", "", "display name (default: the URL)")
	interval := fs.Int64("interval", 3600, "check interval in seconds")
	mode := fs.String("mode", "", "normalization mode: auto, html, text, raw")
	selector := fs.String("selector", "", "CSS selector narrowing detection to one region")
	exclude := fs.String("exclude", "", "comma-separated CSS selectors to ignore")
	jsonPath := fs.String("json-path", "", "dotted path into a JSON body (e.g. data.price)")
	fs.Parse(args)

	if *url == "" {
		return fmt.Errorf("-url is required")
	}

	task := &monitor.Task{
		ID:         *id,
		Name:       *name,
		URL:        *url,
		IntervalMs: *interval * 1000,
	}
	if *mode != "" || *selector != "" || *exclude != "" || *jsonPath != "" {
		rules := map[string]any{}
		if *mode != "" {
			rules["mode"] = *mode
		}
		if *selector != "" {
			rules["include_selector"] = *selector
		}
		if *exclude != "" {
			rules["exclude_selectors"] = strings.Split(*exclude, ",")
		}
		if *jsonPath != "" {
			rules["json_path"] = *jsonPath
		}
		data, _ := json.Marshal(rules)
		task.RulesJSON = string(data)
	}

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := svc.AddTask(ctx, task); err != nil {
		return err
	}
	fmt.Printf("added %s  %s  every %ds\n", task.ID, task.URL, task.IntervalMs/1000)
	return nil
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	tasks, err := svc.ListTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}

	fmt.Printf("%-26s %-8s %-10s %-14s %s\n", "ID", "ENABLED", "INTERVAL", "LAST CHECK", "URL")
	for _, t := range tasks {
		fmt.Printf("%-26s %-8v %-10s %-14s %s\n",
			t.ID, t.Enabled, (time.Duration(t.IntervalMs) * time.Millisecond).String(),
			formatAge(t.LastCheckedAt), t.URL)
	}
	return nil
}

func cmdCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: dataspy check <id>")
	}

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	res, err := svc.CheckNow(ctx, id)
	if err != nil {
		return err
	}

	switch res.Outcome {
	case monitor.OutcomeChanged:
		fmt.Printf("changed  %s\n", res.Fingerprint)
		for _, ev := range res.Events {
			if ev.DiffSummary != "" {
				fmt.Println(ev.DiffSummary)
			}
		}
	case monitor.OutcomeUnchanged:
		fmt.Println("unchanged")
	case monitor.OutcomeFetchError:
		detail := ""
		for _, ev := range res.Events {
			detail = ev.ErrorDetail
		}
		if detail == "" {
			detail = "fetch failed (incident already open, see events)"
		}
		return fmt.Errorf("fetch error: %s", detail)
	}
	return nil
}

func cmdRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: dataspy remove <id>")
	}

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := svc.RemoveTask(ctx, id); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", id)
	return nil
}

func cmdEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 100, "maximum number of events to print")
	fs.Parse(args)

	id := fs.Arg(0)
	if id == "" {
		return fmt.Errorf("usage: dataspy events <id>")
	}

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	events, err := svc.Events(ctx, id, *limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return nil
	}

	for _, ev := range events {
		ts := time.UnixMilli(ev.CreatedAt).UTC().Format(time.RFC3339)
		switch ev.Kind {
		case monitor.KindChanged:
			fmt.Printf("%s  changed      %s -> %s\n", ts, short(ev.FingerprintBefore), short(ev.FingerprintAfter))
			if ev.DiffSummary != "" {
				fmt.Println(indent(ev.DiffSummary))
			}
		case monitor.KindFetchError:
			fmt.Printf("%s  fetch_error  %s\n", ts, ev.ErrorDetail)
		case monitor.KindRecovered:
			fmt.Printf("%s  recovered\n", ts)
		}
	}
	return nil
}

func cmdMonitor(args []string) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	common := addCommonFlags(fs)
	fs.Parse(args)

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	svc.Start(ctx)
	<-ctx.Done()
	return svc.Close()
}

func cmdServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common := addCommonFlags(fs)
	addr := fs.String("addr", ":8080", "HTTP listen address")
	fs.Parse(args)

	svc, db, err := common.openService()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signalContext()
	defer stop()

	svc.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: svc.Handler()}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	common.logger().Info("http listening", "addr", *addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return svc.Close()
	case err := <-errCh:
		return err
	}
}

func formatAge(lastCheckedAt *int64) string {
	if lastCheckedAt == nil {
		return "never"
	}
	d := time.Since(time.UnixMilli(*lastCheckedAt)).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	if fingerprint == "" {
		return "-"
	}
	return fingerprint
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
