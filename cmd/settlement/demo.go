package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/settlement/pkg/aaa"
	"github.com/codelaboratoryltd/settlement/pkg/aaa/aaatest"
	"github.com/codelaboratoryltd/settlement/pkg/config"
	"github.com/codelaboratoryltd/settlement/pkg/state"
)

var (
	demoPrimaryDown bool
	demoLogLevel    string
)

func init() {
	demoCmd.Flags().BoolVar(&demoPrimaryDown, "primary-down", true,
		"Take the primary AAA node down to show failover")
	demoCmd.Flags().StringVar(&demoLogLevel, "demo-log-level", "warn",
		"Log level for the demo components")

	rootCmd.AddCommand(demoCmd)
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a settlement demo against simulated AAA nodes",
	Long: `Run a demonstration of the settlement lifecycle.

This simulates:
  1. Two AAA nodes, the primary optionally down
  2. Accounts with open invoices and queued payments
  3. One settlement batch with FIFO allocation and reconnection
  4. One access sync pass rebuilding the status mirror

No database or AAA cluster required.`,
	RunE: runDemo,
}

func runDemo(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(demoLogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	primary := aaatest.NewServer()
	defer primary.Close()
	secondary := aaatest.NewServer()
	defer secondary.Close()

	for _, node := range []*aaatest.Server{primary, secondary} {
		node.AddUser("alice", "Disconnected")
		node.AddUser("bob", "Home50")
		node.AddUser("carol", "Disconnected")
		node.AddSession(aaa.RemoteSession{ID: "*a1", User: "alice", Address: "100.64.0.10", MAC: "02:00:00:00:00:01", Uptime: "3h2m"})
		node.AddSession(aaa.RemoteSession{ID: "*b1", User: "bob", Address: "100.64.0.11", MAC: "02:00:00:00:00:02", Uptime: "12m", Download: 5 << 20, Upload: 1 << 20})
	}
	primary.Down = demoPrimaryDown

	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.AAA.Endpoints = []config.Endpoint{
		{Name: "primary", URL: primary.URL, Username: "api", Password: "secret"},
		{Name: "secondary", URL: secondary.URL, Username: "api", Password: "secret"},
	}
	cfg.AAA.Timeout = 2 * time.Second
	cfg.AAA.Retries = 1
	cfg.AAA.RetryDelay = 10 * time.Millisecond
	cfg.Policy.PlanGroups = map[string]string{"Home 50": "Home50"}

	store := state.NewMemoryStore()
	a, err := newApp(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := seedDemo(ctx, store); err != nil {
		return fmt.Errorf("seed demo data: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "=== Settlement batch ===")
	report, err := a.worker.RunOnce(ctx)
	if err != nil {
		return err
	}
	printRunReport(out, report)

	fmt.Fprintln(out, "\n=== Accounts ===")
	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		fmt.Fprintf(out, "  %-6s %-6s balance=%-8s status=%s\n",
			acct.AccountNo, acct.Username, acct.Balance.StringFixed(2), acct.BillingStatus)
	}

	fmt.Fprintln(out, "\n=== Access sync ===")
	if _, err := a.sync.Pass(ctx); err != nil {
		return err
	}
	rows, err := store.ListMirror(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		fmt.Fprintf(out, "  %-6s %-6s %-12s group=%-12s session=%s\n",
			row.AccountNo, row.Username, row.SessionStatus, row.Group, row.SessionID)
	}

	alice, _ := secondary.User("alice")
	fmt.Fprintf(out, "\nalice on secondary: group=%s session=%t\n", alice.Group, secondary.HasSession("alice"))
	fmt.Fprintf(out, "AAA requests: primary=%d secondary=%d\n", len(primary.Requests()), len(secondary.Requests()))

	stats := store.Stats()
	logger.Info("Demo complete",
		zap.Int("accounts", stats.Accounts),
		zap.Int("settlements", stats.Settlements),
		zap.Int("mirror_rows", stats.MirrorRows),
	)
	return nil
}

func seedDemo(ctx context.Context, store state.Store) error {
	now := time.Now().UTC()
	accounts := []*state.Account{
		{AccountNo: "1001", Name: "Alice", Contact: "alice@example.net", Balance: decimal.RequireFromString("1500"),
			BillingStatus: state.BillingDisconnected, Username: "alice", Plan: "Home 50"},
		{AccountNo: "1002", Name: "Bob", Contact: "+15550100", Balance: decimal.RequireFromString("800"),
			BillingStatus: state.BillingActive, Username: "bob", Plan: "Home 50"},
		{AccountNo: "1003", Name: "Carol", Balance: decimal.RequireFromString("300"),
			BillingStatus: state.BillingDisconnected, Username: "carol", Plan: "Home 50"},
	}
	for _, acct := range accounts {
		if err := store.CreateAccount(ctx, acct); err != nil {
			return err
		}
	}

	invoices := []*state.Invoice{
		{AccountNo: "1001", TotalAmount: decimal.RequireFromString("1000"), InvoiceDate: now.AddDate(0, -2, 0)},
		{AccountNo: "1001", TotalAmount: decimal.RequireFromString("500"), InvoiceDate: now.AddDate(0, -1, 0)},
		{AccountNo: "1002", TotalAmount: decimal.RequireFromString("800"), InvoiceDate: now.AddDate(0, -1, 0)},
		{AccountNo: "1003", TotalAmount: decimal.RequireFromString("300"), InvoiceDate: now.AddDate(0, -1, 0)},
	}
	for _, inv := range invoices {
		inv.Status = state.InvoiceUnpaid
		if err := store.CreateInvoice(ctx, inv); err != nil {
			return err
		}
	}

	payments := []*state.PendingPayment{
		{ReferenceNo: "PAY-0001", AccountNo: "1001", Amount: decimal.RequireFromString("1500"), Status: state.PaymentPending,
			CallbackPayload: `{"status":"SUCCESS","reference_no":"PAY-0001","amount":"1500.00"}`, CreatedAt: now.Add(-3 * time.Minute)},
		{ReferenceNo: "PAY-0002", AccountNo: "1002", Amount: decimal.RequireFromString("300"), Status: state.PaymentQueued,
			CallbackPayload: `{"status":"COMPLETED"}`, CreatedAt: now.Add(-2 * time.Minute)},
		{ReferenceNo: "PAY-0003", AccountNo: "1003", Amount: decimal.RequireFromString("300"), Status: state.PaymentQueued,
			CallbackPayload: `{"status":"DECLINED"}`, CreatedAt: now.Add(-time.Minute)},
	}
	for _, p := range payments {
		if err := store.CreatePayment(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
