// Command inspect prints the governance ledger for operators: a block table,
// one block in detail, or a chain verification report.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/civicbot/governor/internal/config"
	"github.com/civicbot/governor/internal/cycle"
	"github.com/civicbot/governor/internal/ledger"
	"github.com/civicbot/governor/internal/storage"
)

// #region main

func main() {
	app := &cli.App{
		Name:  "inspect",
		Usage: "read the governance ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "governor.yaml", EnvVars: []string{"GOVERNOR_CONFIG"}, Usage: "config file"},
			&cli.StringFlag{Name: "db", Usage: "SQLite path (overrides storage.db_path)"},
			&cli.StringFlag{Name: "ledger-backend", Usage: "sqlite or badger (overrides storage.ledger_backend)"},
			&cli.StringFlag{Name: "badger-dir", Usage: "badger directory (overrides storage.badger_dir)"},
			&cli.BoolFlag{Name: "json", Usage: "output as JSON instead of a table"},
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "show the most recent blocks",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "last", Value: 20, Usage: "show N most recent blocks"},
					&cli.StringFlag{Name: "type", Usage: "only blocks of this event type"},
				},
				Action: runList,
			},
			{
				Name:      "show",
				Usage:     "show one block with its payload",
				ArgsUsage: "<index>",
				Action:    runShow,
			},
			{
				Name:   "verify",
				Usage:  "walk the chain and report the first broken block",
				Action: runVerify,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}

// openLedger resolves storage settings from the config file and flag
// overrides, then opens the chain.
func openLedger(c *cli.Context) (*ledger.Ledger, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	sc := cfg.Storage
	if v := c.String("db"); v != "" {
		sc.DBPath = v
	}
	if v := c.String("ledger-backend"); v != "" {
		sc.LedgerBackend = v
	}
	if v := c.String("badger-dir"); v != "" {
		sc.BadgerDir = v
	}

	db, err := storage.Open(sc.DBPath)
	if err != nil {
		return nil, nil, err
	}
	var backend ledger.Backend
	if sc.LedgerBackend == "badger" {
		backend, err = ledger.OpenBadgerBackend(sc.BadgerDir)
	} else {
		backend, err = ledger.NewSQLiteBackend(db)
	}
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	l, err := ledger.Open(c.Context, backend)
	if err != nil {
		backend.Close()
		db.Close()
		return nil, nil, err
	}
	return l, func() {
		_ = l.Close()
		_ = db.Close()
	}, nil
}

// #endregion main

// #region list-mode

type listRow struct {
	Index     int64  `json:"index"`
	EventType string `json:"event_type"`
	CycleID   string `json:"cycle_id,omitempty"`
	Signed    bool   `json:"signed"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

func runList(c *cli.Context) error {
	l, done, err := openLedger(c)
	if err != nil {
		return err
	}
	defer done()

	blocks, err := l.Export(c.Context)
	if err != nil {
		return err
	}
	rows := selectRows(blocks, ledger.EventType(c.String("type")), c.Int("last"))
	if c.Bool("json") {
		return printJSON(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stderr, "no blocks found")
		return nil
	}
	printListTable(rows)

	fmt.Printf("\n%s\n", headerStyle.Render("Blocks by event type:"))
	printCounts(blocks)
	return nil
}

// selectRows keeps the last n blocks matching filter, in chain order.
func selectRows(blocks []ledger.Block, filter ledger.EventType, n int) []listRow {
	rows := make([]listRow, 0, len(blocks))
	for _, b := range blocks {
		if filter != "" && b.EventType != filter {
			continue
		}
		rows = append(rows, listRow{
			Index:     b.Index,
			EventType: string(b.EventType),
			CycleID:   payloadCycleID(b.Data),
			Signed:    len(b.Signatures) > 0,
			Hash:      b.CurrentHash,
			Timestamp: ledger.FormatTimestamp(b.Timestamp),
		})
	}
	if n > 0 && len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return rows
}

func printListTable(rows []listRow) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%6s  %-16s  %-12s  %-6s  %-12s  %s",
		"Index", "Event", "Cycle", "Signed", "Hash", "Time")))
	for _, r := range rows {
		signed := "-"
		if r.Signed {
			signed = okStyle.Render("yes   ")
		}
		fmt.Printf("%6d  %s  %-12s  %-6s  %-12s  %s\n",
			r.Index, eventStyle(r.EventType).Render(fmt.Sprintf("%-16s", r.EventType)),
			shortID(r.CycleID), signed, shortID(r.Hash), r.Timestamp)
	}
}

func printCounts(blocks []ledger.Block) {
	counts := map[string]int{}
	for _, b := range blocks {
		counts[string(b.EventType)]++
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-16s %d\n", name, counts[name])
	}
}

// #endregion list-mode

// #region detail-mode

type detailOutput struct {
	ledger.Block
	Approval *cycle.ApprovalRecord `json:"approval,omitempty"`
}

func runShow(c *cli.Context) error {
	var index int64
	if _, err := fmt.Sscan(c.Args().First(), &index); err != nil {
		return cli.Exit("usage: inspect show <index>", 2)
	}
	l, done, err := openLedger(c)
	if err != nil {
		return err
	}
	defer done()

	b, err := l.Block(c.Context, index)
	if err != nil {
		return err
	}
	out := detailOutput{Block: b}
	if b.EventType == ledger.EventApproval {
		var rec cycle.ApprovalRecord
		if err := json.Unmarshal(b.Data, &rec); err == nil {
			out.Approval = &rec
		}
	}
	if c.Bool("json") {
		return printJSON(out)
	}

	fmt.Printf("Index:     %d\n", b.Index)
	fmt.Printf("Event:     %s\n", eventStyle(string(b.EventType)).Render(string(b.EventType)))
	fmt.Printf("Time:      %s\n", ledger.FormatTimestamp(b.Timestamp))
	fmt.Printf("Previous:  %s\n", b.PreviousHash)
	fmt.Printf("Hash:      %s\n", b.CurrentHash)
	for _, s := range b.Signatures {
		fmt.Printf("Signed by: %s\n", s.PublicKey)
	}

	if out.Approval != nil {
		a := out.Approval
		fmt.Printf("\n%s\n", headerStyle.Render("Approval:"))
		fmt.Printf("  Cycle:     %s\n", a.CycleID)
		fmt.Printf("  Approved:  %s\n", verdict(a.Approved))
		fmt.Printf("  Metrics:   bias=%.3f toxicity=%.3f fairness=%.3f\n", a.Metrics.Bias, a.Metrics.Toxicity, a.Metrics.Fairness)
		for _, r := range a.Reviews {
			fmt.Printf("  Review:    %-10s %-8s %.2f\n", r.ReviewerID, r.Verdict, r.Score)
		}
		for _, v := range a.Vetoes {
			fmt.Printf("  Veto:      %s %s\n", v.Type, v.Reason)
		}
	}

	fmt.Printf("\n%s\n", headerStyle.Render("Data:"))
	var pretty any
	if err := json.Unmarshal(b.Data, &pretty); err != nil {
		fmt.Println(string(b.Data))
		return nil
	}
	return printJSON(pretty)
}

// #endregion detail-mode

// #region verify-mode

func runVerify(c *cli.Context) error {
	l, done, err := openLedger(c)
	if err != nil {
		return err
	}
	defer done()

	res, err := l.VerifyChain(c.Context)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if res.Valid {
		fmt.Printf("%s %d blocks\n", okStyle.Render("VALID"), res.Blocks)
	} else {
		fmt.Printf("%s at block %d: %s\n", errStyle.Render("BROKEN"), *res.BrokenAt, res.Reason)
	}
	if !res.Valid {
		return cli.Exit("", 1)
	}
	return nil
}

// #endregion verify-mode

// #region output

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func eventStyle(eventType string) lipgloss.Style {
	switch ledger.EventType(eventType) {
	case ledger.EventCheckpoint:
		return okStyle
	case ledger.EventApproval:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	case ledger.EventAudit:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	case ledger.EventGenesis:
		return dimStyle
	default:
		return lipgloss.NewStyle()
	}
}

func verdict(ok bool) string {
	if ok {
		return okStyle.Render("yes")
	}
	return errStyle.Render("no")
}

// payloadCycleID pulls a top-level cycleId out of a block payload, if any.
func payloadCycleID(data json.RawMessage) string {
	var p struct {
		CycleID string `json:"cycleId"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	return p.CycleID
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// #endregion output
