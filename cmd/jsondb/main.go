// Command jsondb is the db CLI: one-shot queries against a store, or an
// interactive shell.
//
// Usage:
//
//	jsondb --schema schema.json --db data.db <command> [args]
//
// Commands:
//
//	create <Model> <json>        Create an item
//	get <Model> <json>           Get the first matching item
//	find <Model> [json]          List matching items
//	update <Model> <json>        Update an item (--upsert to create)
//	remove <Model> <json>        Remove matching items
//	load <file>                  Seed items from a JSON file
//	save                         Force a snapshot save
//	shell                        Interactive shell
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jsondb-io/jsondb/pkg/jsondb"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("jsondb", pflag.ContinueOnError)

	var (
		schemaPath = flags.String("schema", "schema.json", "schema document path")
		dbPath     = flags.String("db", "jsondb.db", "snapshot file path")
		upsert     = flags.Bool("upsert", false, "create the item when missing")
		limit      = flags.Int("limit", 0, "result or removal limit")
		verbose    = flags.BoolP("verbose", "v", false, "verbose logging")
	)

	err := flags.Parse(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}

		fmt.Fprintln(os.Stderr, err)

		return 2
	}

	rest := flags.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: jsondb [flags] <create|get|find|update|remove|load|save|shell> ...")

		return 2
	}

	logger := zap.NewNop().Sugar()

	if *verbose {
		zl, zerr := zap.NewDevelopment()
		if zerr == nil {
			logger = zl.Sugar()
		}
	}

	db, err := jsondb.Open(jsondb.Config{
		Path:   *dbPath,
		Schema: *schemaPath,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)

		return 1
	}

	defer func() { _ = db.Close() }()

	params := &jsondb.Params{Upsert: *upsert, Limit: *limit, Log: *verbose}

	err = dispatch(db, rest[0], rest[1:], params)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)

		return 1
	}

	return 0
}

func dispatch(db *jsondb.DB, cmd string, args []string, params *jsondb.Params) error {
	switch cmd {
	case "create", "get", "find", "update", "remove":
		return runQuery(db, cmd, args, params)
	case "load":
		if len(args) != 1 {
			return errors.New("usage: load <file>")
		}

		return db.LoadFile(args[0])
	case "save":
		return db.Save()
	case "shell":
		repl := &repl{db: db, params: params}

		return repl.run()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runQuery(db *jsondb.DB, cmd string, args []string, params *jsondb.Params) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s <Model> [json]", cmd)
	}

	model := args[0]

	props := map[string]any{}

	if len(args) > 1 {
		err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &props)
		if err != nil {
			return fmt.Errorf("properties must be a JSON object: %w", err)
		}
	}

	switch cmd {
	case "create":
		item, err := db.Create(model, props, params)
		if err != nil {
			return err
		}

		return printItem(item)
	case "get":
		item, err := db.Get(model, props, params)
		if err != nil {
			return err
		}

		return printItem(item)
	case "find":
		items, next, err := db.Find(model, props, params)
		if err != nil {
			return err
		}

		for _, item := range items {
			err = printItem(item)
			if err != nil {
				return err
			}
		}

		if next != "" {
			fmt.Println("next:", next)
		}

		return nil
	case "update":
		item, err := db.Update(model, props, params)
		if err != nil {
			return err
		}

		return printItem(item)
	case "remove":
		count, err := db.Remove(model, props, params)
		if err != nil {
			return err
		}

		fmt.Println("removed:", count)

		return nil
	}

	return fmt.Errorf("unknown command %q", cmd)
}

func printItem(item *jsondb.Item) error {
	if item == nil {
		fmt.Println("(none)")

		return nil
	}

	raw, err := item.JSON()
	if err != nil {
		return err
	}

	fmt.Println(string(raw))

	return nil
}

// repl is the interactive command loop.
type repl struct {
	db     *jsondb.DB
	params *jsondb.Params
	liner  *liner.State
}

var replCommands = []string{"create", "get", "find", "update", "remove", "save", "count", "help", "exit"}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".jsondb_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range replCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c+" ")
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Println("jsondb shell - type 'help' for commands")

	for {
		line, err := r.liner.Prompt("db> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.SplitN(line, " ", 3)
		cmd := strings.ToLower(parts[0])

		switch cmd {
		case "exit", "quit", "q":
			r.saveHistory()

			return nil
		case "help", "?":
			fmt.Println("  create|get|find|update|remove <Model> [json]")
			fmt.Println("  save | count | exit")
		case "save":
			r.report(r.db.Save())
		case "count":
			fmt.Println(r.db.Count())
		case "create", "get", "find", "update", "remove":
			r.report(runQuery(r.db, cmd, parts[1:], r.params))
		default:
			fmt.Printf("unknown command %q (type 'help')\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) report(err error) {
	if err != nil {
		fmt.Println("error:", err)
	}
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = r.liner.WriteHistory(f)
	_ = f.Close()
}
