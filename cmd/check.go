package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cyrus/internal/config"
	"github.com/nextlevelbuilder/cyrus/pkg/protocol"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runCheck()
		},
	}
}

func runCheck() {
	fmt.Println("cyrus check")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
		return
	}
	fmt.Println(" (OK)")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Printf("  Home:     %s\n", cfg.CyrusHome)
	fmt.Printf("  State:    %s", cfg.StateDir())
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		fmt.Printf(" (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Print("  Assistant: claude")
	if path, err := exec.LookPath("claude"); err != nil {
		fmt.Println(" (NOT FOUND in PATH)")
	} else {
		fmt.Printf(" (%s)\n", path)
	}

	if cfg.UseDirectWebhooks {
		fmt.Printf("  Webhooks: direct on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		if cfg.Server.WebhookSecret == "" {
			fmt.Println("            WARNING: CYRUS_WEBHOOK_SECRET unset, signature checks disabled")
		}
		switch {
		case cfg.BaseURL != "":
			fmt.Printf("            Public URL: %s\n", cfg.BaseURL)
		case cfg.NgrokAuthToken != "":
			fmt.Println("            Public URL: via ngrok tunnel")
		default:
			fmt.Println("            WARNING: no base_url and no CYRUS_NGROK_AUTH_TOKEN, the tracker cannot reach this host")
		}
	} else {
		fmt.Printf("  Webhooks: proxy %s\n", cfg.ProxyURL)
	}

	fmt.Println()
	fmt.Printf("  Repositories: %d\n", len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		status := "OK"
		if _, err := os.Stat(repo.RepositoryPath); err != nil {
			status = "PATH MISSING"
		} else if repo.Token() == "" {
			status = "NO TOKEN"
		} else if !repo.IsActive {
			status = "inactive"
		}
		fmt.Printf("    %-20s %-30s (%s)\n", repo.ID, repo.RepositoryPath, status)
	}
}
