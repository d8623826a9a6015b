// ABOUTME: Minimal fake agent for E2E testing — pairs with the gateway and echoes invocations.
// ABOUTME: Usage: fake-agent [-url ws://localhost:8090/ws/agent] [-code 123456]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/latticehq/lattice-gateway/internal/agentclient"
	"github.com/latticehq/lattice-gateway/internal/crypto"
)

// storedCredentials is what the agent persists between runs.
type storedCredentials struct {
	DeviceToken string              `json:"deviceToken"`
	SessionKeys *crypto.SessionKeys `json:"sessionKeys"`
}

func main() {
	url := flag.String("url", "ws://localhost:8090/ws/agent", "Gateway agent websocket URL")
	deviceID := flag.String("device", "e2e-echo-device", "Device ID")
	name := flag.String("name", "Echo Device", "Device display name")
	code := flag.String("code", "", "Pairing code (required on first run)")
	credsPath := flag.String("creds", "fake-agent-creds.json", "Credentials file")
	flag.Parse()

	if err := run(*url, *deviceID, *name, *code, *credsPath); err != nil {
		log.Fatal(err)
	}
}

func run(url, deviceID, name, code, credsPath string) error {
	opts := agentclient.Options{
		URL:         url,
		DeviceID:    deviceID,
		DeviceName:  name,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		PairingCode: code,
		Logger:      slog.Default(),
		OnCredentials: func(c agentclient.Credentials) {
			if err := saveCredentials(credsPath, c); err != nil {
				log.Printf("saving credentials: %v", err)
			}
		},
	}

	if code == "" {
		creds, err := loadCredentials(credsPath)
		if err != nil {
			return fmt.Errorf("no pairing code and no saved credentials (%v); run with -code", err)
		}
		opts.Credentials = creds
	}

	client, err := agentclient.New(opts)
	if err != nil {
		return err
	}

	client.Handle("echo.run", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		log.Printf("echo.run: %s", args)
		return args, nil
	})
	client.Handle("system.info", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]string{
			"os":   runtime.GOOS,
			"arch": runtime.GOARCH,
			"time": time.Now().UTC().Format(time.RFC3339),
		})
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sup := agentclient.NewSupervisor(client, agentclient.SupervisorOptions{
		OnStateChange: func(s agentclient.State) {
			log.Printf("state: %s", s)
		},
	})

	err = sup.Run(ctx)
	if ctx.Err() != nil {
		return nil // graceful shutdown
	}
	return err
}

func saveCredentials(path string, c agentclient.Credentials) error {
	data, err := json.MarshalIndent(storedCredentials{
		DeviceToken: c.DeviceToken,
		SessionKeys: c.SessionKeys,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func loadCredentials(path string) (*agentclient.Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stored storedCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	if stored.DeviceToken == "" || stored.SessionKeys == nil {
		return nil, fmt.Errorf("credentials file %s is incomplete", path)
	}
	return &agentclient.Credentials{
		DeviceToken: stored.DeviceToken,
		SessionKeys: stored.SessionKeys,
	}, nil
}
