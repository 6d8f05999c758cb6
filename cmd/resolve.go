// File: cmd/resolve.go
package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sandbridge/internal/observability"
)

// newResolveCmd creates the `resolve` command: an operator-side shortcut
// that hands control back to a waiting worker through the running bridge's
// web surface.
func newResolveCmd() *cobra.Command {
	resolveCmd := &cobra.Command{
		Use:   "resolve <token>",
		Short: "Resolves a pending takeover by its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			token := args[0]
			addr := viper.GetString("bridge.listen_addr")
			url := fmt.Sprintf("http://%s/takeover/%s/resolve", addr, token)

			client := &http.Client{Timeout: 10 * time.Second}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("could not reach the bridge at %s: %w", addr, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

			switch resp.StatusCode {
			case http.StatusOK:
				logger.Info("Takeover resolved", zap.String("token", token))
				fmt.Fprintln(cmd.OutOrStdout(), "resolved")
				return nil
			case http.StatusNotFound:
				return fmt.Errorf("no pending takeover for token %s", token)
			default:
				return fmt.Errorf("resolve failed with status %d: %s", resp.StatusCode, string(body))
			}
		},
	}
	return resolveCmd
}
