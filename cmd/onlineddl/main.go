package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/onlineddl/src/app"
	"github.com/Blackdeer1524/onlineddl/src/ddl"
	"github.com/Blackdeer1524/onlineddl/src/ddl/rowmap"
	"github.com/Blackdeer1524/onlineddl/src/storage/rowfmt"
	"github.com/Blackdeer1524/onlineddl/src/storage/table"
	"github.com/Blackdeer1524/onlineddl/src/txns"
)

var (
	envPath     string
	rows        int
	dmlWorkers  int
	progressInt time.Duration

	indexName   string
	indexColumn string
	indexPrefix int
	unique      bool

	addColumn  string
	addDefault int64
	primaryKey string
)

var rootCmd = &cobra.Command{
	Use:   "onlineddl",
	Short: "Online index builds and table rebuilds under concurrent writes",
	Long: `onlineddl fills an in-memory users table, starts random inserts, updates
and deletes against it and runs an online index build or table rebuild while
the writers keep going.`,
	SilenceUsage: true,
}

var addIndexCmd = &cobra.Command{
	Use:   "add-index",
	Short: "Build a secondary index of the users table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		plan := ddl.Plan{AddIndexes: []*rowmap.IndexDef{{
			Name:   indexName,
			Unique: unique,
			Fields: []rowmap.IndexField{{Column: indexColumn, Prefix: indexPrefix}},
		}}}
		return run(cmd.Context(), func(*rowmap.TableDef) (ddl.Plan, error) { return plan, nil })
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the users table with an added column and a new primary key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), rebuildPlan)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "Path to the .env file")
	rootCmd.PersistentFlags().IntVarP(&rows, "rows", "n", 100_000, "Rows in the table before the build")
	rootCmd.PersistentFlags().IntVarP(&dmlWorkers, "workers", "w", 4, "Goroutines changing the table during the build")
	rootCmd.PersistentFlags().DurationVar(&progressInt, "progress", 200*time.Millisecond, "Progress report interval")

	addIndexCmd.Flags().StringVar(&indexName, "name", "by_email", "Index name")
	addIndexCmd.Flags().StringVar(&indexColumn, "column", "email", "Indexed column")
	addIndexCmd.Flags().IntVar(&indexPrefix, "prefix", 0, "Indexed prefix of a bytes column, 0 for the whole value")
	addIndexCmd.Flags().BoolVar(&unique, "unique", false, "Build a unique index")

	rebuildCmd.Flags().StringVar(&addColumn, "add-column", "active", "Name of the added column, empty to add none")
	rebuildCmd.Flags().Int64Var(&addDefault, "default", 1, "Value of the added column in existing rows")
	rebuildCmd.Flags().StringVar(&primaryKey, "primary-key", "id", "Primary key column of the new table")

	rootCmd.AddCommand(addIndexCmd, rebuildCmd)
}

func rebuildPlan(from *rowmap.TableDef) (ddl.Plan, error) {
	cols := append([]rowmap.ColumnDef(nil), from.Columns...)
	if addColumn != "" {
		def := rowfmt.Int64(addDefault)
		cols = append(cols, rowmap.ColumnDef{Name: addColumn, Type: rowfmt.ColumnTypeInt64, Default: &def})
	}

	to, err := rowmap.NewTableDef(from.Name, cols, []string{primaryKey},
		&rowmap.IndexDef{Name: "by_score", Fields: []rowmap.IndexField{{Column: "score"}}},
	)
	if err != nil {
		return ddl.Plan{}, err
	}
	return ddl.Plan{Rebuild: to}, nil
}

func run(ctx context.Context, plan func(*rowmap.TableDef) (ddl.Plan, error)) error {
	e := &app.Entrypoint{EnvPath: envPath}
	if err := e.Init(ctx); err != nil {
		return err
	}
	defer func() {
		_ = e.Close()
	}()
	log := e.Logger()

	m := txns.NewTxnManager()
	tbl := table.New(app.UsersDef(), m, table.Options{ExternThreshold: 128, Logger: log})
	if err := app.Seed(tbl, m, rows); err != nil {
		return fmt.Errorf("failed to fill the table: %w", err)
	}
	log.Infow("table filled", "rows", rows)

	p, err := plan(tbl.Definition())
	if err != nil {
		return err
	}

	w := &app.Workload{
		Table:    tbl,
		Txns:     m,
		Workers:  dmlWorkers,
		KeySpace: int64(rows) + int64(rows)/10,
		Logger:   log,
	}
	if err := w.Start(); err != nil {
		return err
	}
	stopped := false
	defer func() {
		if !stopped {
			w.Stop()
		}
	}()

	b, err := ddl.Begin(ctx, tbl, p, e.DDL())
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go report(b, done)

	res, err := b.Run(ctx)
	close(done)

	stats := w.Stop()
	stopped = true
	fmt.Printf(
		"dml: %d commits, %d rollbacks, %d conflicts\n",
		stats.Commits, stats.Rollbacks, stats.Conflicts,
	)

	if res != nil {
		fmt.Printf(
			"build %s: published %v in %s, %d rows scanned, %d changes logged\n",
			res.ID, res.Published, res.Duration.Round(time.Millisecond), res.Rows, res.LogRecords,
		)
		for name, ferr := range res.Failed {
			fmt.Printf("  %s failed: %v\n", name, ferr)
		}
	}
	if err != nil {
		log.Errorw("build failed", zap.Error(err))
	}
	return err
}

func report(b *ddl.Build, done <-chan struct{}) {
	t := time.NewTicker(progressInt)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.C:
			p := b.Progress()
			fmt.Printf(
				"%-8s rows=%d logged=%d applied=%d behind=%dB\n",
				p.Stage, p.Rows, p.LogRecords, p.Applied, p.LogBytes,
			)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}
