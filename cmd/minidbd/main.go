// minidbd is the operator CLI for a minidb database: inspect a page
// file, run WAL recovery analysis, and drive a scripted churn workload
// against the storage kernel. It is not a SQL shell.
package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"minidb/config"
	"minidb/engine"
	"minidb/types"
	"minidb/wal"
)

var CLI struct {
	DataFile string `help:"Database file path (overrides MINIDB_DATA_FILE)."`
	WalFile  string `help:"Write-ahead log file path (overrides MINIDB_WAL_FILE)."`
	Verbose  bool   `short:"v" help:"Enable debug logging."`

	Stats   StatsCmd   `cmd:"" help:"Print page file and write-ahead log statistics."`
	Recover RecoverCmd `cmd:"" help:"Run WAL recovery analysis and print transaction outcomes."`
	Churn   ChurnCmd   `cmd:"" help:"Insert and delete records to exercise the storage kernel."`
}

func buildConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if CLI.DataFile != "" {
		cfg.DataFile = CLI.DataFile
	}
	if CLI.WalFile != "" {
		cfg.WalFile = CLI.WalFile
	}
	return cfg, nil
}

func buildLogger() (*zap.Logger, error) {
	if CLI.Verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

type StatsCmd struct{}

func (c *StatsCmd) Run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Printf("data file:   %s\n", cfg.DataFile)
	fmt.Printf("pages:       %d\n", e.Files().NumPages())
	fmt.Printf("free pages:  %d\n", e.Files().FreeListLen())
	fmt.Printf("wal lsn:     %d\n", e.Wal().CurrentLSN())
	fmt.Printf("wal records: %d\n", e.Recovery.RecordCount)
	return nil
}

type RecoverCmd struct {
	Records bool `help:"Also list every log record."`
}

func (c *RecoverCmd) Run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	info := e.Recovery
	fmt.Printf("records scanned: %d\n", info.RecordCount)
	fmt.Printf("last lsn:        %d\n", info.LastLSN)
	for txn, outcome := range info.Outcomes {
		var state string
		switch outcome {
		case wal.TxnCommitted:
			state = "committed"
		case wal.TxnAborted:
			state = "aborted"
		default:
			state = "in-flight"
		}
		fmt.Printf("txn %d: %s\n", txn, state)
	}

	if c.Records {
		var off int64
		for {
			lsn, txn, recType, payload, next, err := e.Wal().ReadRecord(off)
			if err != nil {
				break
			}
			if recType.IsData() {
				rec, derr := wal.DecodeData(payload)
				if derr != nil {
					break
				}
				fmt.Printf("lsn %d txn %d %s page=%d slot=%d old=%d new=%d\n",
					lsn, txn, recType, rec.PageId, rec.SlotId, len(rec.OldBytes), len(rec.NewBytes))
			} else {
				fmt.Printf("lsn %d txn %d %s\n", lsn, txn, recType)
			}
			off = next
		}
	}
	return nil
}

type ChurnCmd struct {
	Records int `help:"Number of records to insert." default:"1000"`
	Deletes int `help:"Number of records to delete afterwards." default:"250"`
}

func (c *ChurnCmd) Run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	e, err := engine.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer e.Close()

	txn, err := e.Begin()
	if err != nil {
		return err
	}

	pid, guard, err := e.NewPage()
	if err != nil {
		return err
	}
	guard.Release()

	inserted := make([]types.RecordId, 0, c.Records)
	for i := 0; i < c.Records; i++ {
		record := []byte(fmt.Sprintf("record-%08d", i))
		rid, err := e.InsertRecord(txn, pid, record)
		if err != nil {
			// Page filled up; chain a new one and keep going.
			next, g, nerr := e.NewPage()
			if nerr != nil {
				return nerr
			}
			g.Release()
			prev, perr := e.Buffer().Fetch(pid)
			if perr != nil {
				return perr
			}
			prev.Page().SetNextPage(next)
			prev.MarkDirty()
			prev.Release()
			pid = next
			rid, err = e.InsertRecord(txn, pid, record)
			if err != nil {
				return err
			}
		}
		e.Index().Insert(int64(i), rid)
		inserted = append(inserted, rid)
	}

	for i := 0; i < c.Deletes && i < len(inserted); i++ {
		if err := e.DeleteRecord(txn, inserted[i]); err != nil {
			return err
		}
		e.Index().Remove(int64(i))
	}

	if err := e.Commit(txn); err != nil {
		return err
	}

	stats := e.Index().Stats()
	fmt.Printf("inserted: %d, deleted: %d\n", c.Records, c.Deletes)
	fmt.Printf("index: height=%d nodes=%d keys=%d\n", stats.Height, stats.NodeCount, stats.KeyCount)
	fmt.Printf("pages: %d\n", e.Files().NumPages())
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("minidbd"),
		kong.Description("minidb storage kernel operator tool"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
