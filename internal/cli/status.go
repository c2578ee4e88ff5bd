package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Ask a running convo gateway for its model provider, storage mode and connected clients.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "gateway address (default gateway.addr from config)")
	rootCmd.AddCommand(statusCmd)
}

type gatewayStatus struct {
	Model   string            `json:"model"`
	Durable bool              `json:"durable"`
	Clients []json.RawMessage `json:"clients"`
	Uptime  string            `json:"uptime"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Gateway.Addr
	}

	out := cmd.OutOrStdout()
	status, err := fetchStatus(cmd.Context(), gatewayURL(addr))
	if err != nil {
		fmt.Fprintln(out, "Status: stopped")
		fmt.Fprintln(out, dimStyle.Render(err.Error()))
		return nil
	}

	storage := "durable"
	if !status.Durable {
		storage = "in-memory (not persisted)"
	}
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "Model: %s\n", status.Model)
	fmt.Fprintf(out, "Storage: %s\n", storage)
	fmt.Fprintf(out, "Clients: %d\n", len(status.Clients))
	if d, err := time.ParseDuration(status.Uptime); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(d))
	}
	return nil
}

// gatewayURL turns a listen address into the RPC endpoint URL
func gatewayURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr + "/rpc"
}

func fetchStatus(ctx context.Context, url string) (*gatewayStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      uuid.New().String(),
		"method":  "server.status",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var rpc struct {
		Result *gatewayStatus `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, fmt.Errorf("invalid gateway response: %w", err)
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("gateway error %d: %s", rpc.Error.Code, rpc.Error.Message)
	}
	if rpc.Result == nil {
		return nil, fmt.Errorf("invalid gateway response: missing result")
	}
	return rpc.Result, nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
