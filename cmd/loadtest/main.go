// Command loadtest drives a bot army against a running server to check that a sale never
// oversells and that admission stays FIFO under contention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type rootOptions struct {
	base       string
	adminToken string
	saleID     string
}

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "loadtest",
		Short:        "Bot army for the flash sale engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.base, "base", envOr("LOADTEST_BASE", "http://localhost:8080"), "server base url")
	cmd.PersistentFlags().StringVar(&opts.adminToken, "admin-token", envOr("ADMIN_TOKEN", "dev-admin-token"), "admin token")
	cmd.PersistentFlags().StringVar(&opts.saleID, "sale", "", "sale id (swarm creates one when empty)")

	cmd.AddCommand(newSwarmCommand(opts))
	cmd.AddCommand(newRateLimitCommand(opts))
	cmd.AddCommand(newStockCommand(opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type swarmOptions struct {
	users       int
	concurrency int
	stock       int64
	quantity    int64
	checkout    bool
}

// newSwarmCommand：N 个不同用户并发排队、放行、抢购，最后校验库存没有超卖。
func newSwarmCommand(root *rootOptions) *cobra.Command {
	opts := &swarmOptions{}
	cmd := &cobra.Command{
		Use:   "swarm",
		Short: "Queue, admit and reserve with many distinct users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSwarm(cmd.Context(), newClient(root.base, root.adminToken), root.saleID, opts)
		},
	}
	cmd.Flags().IntVar(&opts.users, "users", 200, "distinct users")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 50, "max concurrency")
	cmd.Flags().Int64Var(&opts.stock, "stock", 10, "units when creating a sale")
	cmd.Flags().Int64Var(&opts.quantity, "quantity", 1, "units per reservation")
	cmd.Flags().BoolVar(&opts.checkout, "checkout", true, "checkout every successful reservation")
	return cmd
}

func runSwarm(ctx context.Context, c *client, saleID string, opts *swarmOptions) error {
	if saleID == "" {
		id, err := createSale(ctx, c, opts.stock, opts.quantity)
		if err != nil {
			return fmt.Errorf("create sale: %w", err)
		}
		saleID = id
		fmt.Println("created sale:", saleID)
	}
	before, err := c.stock(ctx, saleID)
	if err != nil {
		return fmt.Errorf("stock: %w", err)
	}

	users := make([]string, opts.users)
	for i := range users {
		users[i] = "bot-" + strconv.Itoa(i+1)
	}

	fmt.Printf("start swarm: sale=%s users=%d concurrency=%d stock=%d\n", saleID, opts.users, opts.concurrency, before)
	joins := fanOut(ctx, opts.concurrency, users, func(ctx context.Context, u string) Result {
		return c.do(ctx, http.MethodPost, "/api/sales/"+saleID+"/queue", map[string]any{"user_id": u}, false)
	})
	printSummary("join", joins)

	// 一次性放行全部用户，让所有人同时抢
	if err := c.do(ctx, http.MethodPost, "/api/admin/sales/"+saleID+"/advance",
		map[string]any{"by": opts.users}, true).data(nil); err != nil {
		return fmt.Errorf("advance: %w", err)
	}

	reserves := fanOut(ctx, opts.concurrency, users, func(ctx context.Context, u string) Result {
		return c.do(ctx, http.MethodPost, "/api/sales/"+saleID+"/reservations",
			map[string]any{"user_id": u, "quantity": opts.quantity}, false)
	})
	printSummary("reserve", reserves)

	won := 0
	var ids []string
	for _, r := range reserves {
		var res struct {
			ID string `json:"reservation_id"`
		}
		if r.data(&res) == nil {
			won++
			ids = append(ids, res.ID)
		}
	}
	if opts.checkout {
		checkouts := fanOut(ctx, opts.concurrency, ids, func(ctx context.Context, id string) Result {
			return c.do(ctx, http.MethodPost, "/api/reservations/"+id+"/checkout", nil, false)
		})
		printSummary("checkout", checkouts)
	}

	after, err := c.stock(ctx, saleID)
	if err != nil {
		return fmt.Errorf("stock: %w", err)
	}
	fmt.Printf("reservations won=%d stock before=%d after=%d\n", won, before, after)
	if after < 0 || int64(won)*opts.quantity > before {
		return fmt.Errorf("oversell detected: won=%d qty=%d before=%d after=%d", won, opts.quantity, before, after)
	}
	return nil
}

// newRateLimitCommand：同一个用户重复抢（更容易触发 429）。
func newRateLimitCommand(root *rootOptions) *cobra.Command {
	var total, concurrency int
	var user string
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Hammer the reserve endpoint as a single user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root.saleID == "" {
				return fmt.Errorf("--sale is required")
			}
			c := newClient(root.base, root.adminToken)
			reqs := make([]string, total)
			for i := range reqs {
				reqs[i] = user
			}
			fmt.Printf("start rate limit test: user=%s requests=%d concurrency=%d\n", user, total, concurrency)
			results := fanOut(cmd.Context(), concurrency, reqs, func(ctx context.Context, u string) Result {
				return c.do(ctx, http.MethodPost, "/api/sales/"+root.saleID+"/reservations",
					map[string]any{"user_id": u, "quantity": 1}, false)
			})
			printSummary("rate_limit", results)
			return nil
		},
	}
	cmd.Flags().IntVar(&total, "requests", 50, "requests to send")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 50, "max concurrency")
	cmd.Flags().StringVar(&user, "user", "bot-10001", "user id")
	return cmd
}

func newStockCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stock",
		Short: "Print the available units of a sale",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root.saleID == "" {
				return fmt.Errorf("--sale is required")
			}
			n, err := newClient(root.base, root.adminToken).stock(cmd.Context(), root.saleID)
			if err != nil {
				return err
			}
			fmt.Println("available:", n)
			return nil
		},
	}
}

func createSale(ctx context.Context, c *client, stock, maxPer int64) (string, error) {
	now := time.Now().UTC()
	var sale struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/admin/sales", map[string]any{
		"product_id":          "loadtest-sku",
		"name":                "loadtest " + now.Format(time.RFC3339),
		"total_quantity":      stock,
		"max_per_reservation": maxPer,
		"start_time":          now.Add(-time.Minute).Format(time.RFC3339),
		"end_time":            now.Add(time.Hour).Format(time.RFC3339),
	}, true).data(&sale)
	return sale.ID, err
}

// fanOut 以 limit 并发对每个输入调用 fn，结果按输入顺序返回。
func fanOut(ctx context.Context, limit int, inputs []string, fn func(context.Context, string) Result) []Result {
	results := make([]Result, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, in := range inputs {
		g.Go(func() error {
			results[i] = fn(gctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
