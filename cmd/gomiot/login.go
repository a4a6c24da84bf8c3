package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/joshp123/gomiot/internal/config"
	"github.com/joshp123/gomiot/internal/logging"
	"github.com/joshp123/gomiot/internal/store"
	"github.com/joshp123/gomiot/plugins/miot"
)

// loginCmd logs in to the cloud and persists the resulting device table,
// so a later serve can talk to devices before the first cloud refresh.
func loginCmd(args []string) {
	flags := flag.NewFlagSet("login", flag.ExitOnError)
	account := flags.String("account", "", "Account username (default: every configured account)")
	configPath := flags.String("config", config.DefaultPath, "Path to config.yaml")
	timeout := flags.Duration("timeout", 2*time.Minute, "Timeout for login and device fetch")
	_ = flags.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("login", err)
	}
	if cfg.Miot == nil || len(cfg.Miot.Accounts) == 0 {
		fatal("login", fmt.Errorf("miot.accounts is empty in %s", *configPath))
	}
	if *account != "" {
		if _, ok := cfg.Miot.Account(*account); !ok {
			fatal("login", fmt.Errorf("account %q is not configured", *account))
		}
	}
	closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fatal("setup logging", err)
	}
	defer closer.Close()

	blob, err := store.New(cfg.Store)
	if err != nil {
		fatal("open store", err)
	}
	runtimeCfg, err := miot.ConfigFromFile(cfg)
	if err != nil {
		fatal("login", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := miot.NewClient(ctx, runtimeCfg, blob, miot.WithLogger(logging.Component("miot")))
	if err != nil {
		fatal("login", err)
	}
	defer client.Close()

	usernames := []string{*account}
	if *account == "" {
		usernames = usernames[:0]
		for _, a := range cfg.Miot.Accounts {
			usernames = append(usernames, a.Username)
		}
	}

	failed := false
	for _, username := range usernames {
		auth, err := client.Login(ctx, username)
		if err != nil {
			fmt.Printf("%s\tlogin failed: %v\n", username, err)
			failed = true
			continue
		}
		n, err := client.RefreshCloud(ctx, username)
		if err != nil {
			fmt.Printf("%s\tuser %d\tdevice list failed: %v\n", username, auth.UserID, err)
			failed = true
			continue
		}
		fmt.Printf("%s\tuser %d\t%d devices\n", username, auth.UserID, n)
	}

	rows := [][]string{{"DID", "NAME", "MODEL", "ADDRESS", "TOKEN"}}
	for _, d := range client.Devices() {
		token := "no"
		if d.HasToken {
			token = "yes"
		}
		rows = append(rows, []string{d.DID, d.Name, d.Model, d.Address, token})
	}
	printTable(rows)

	if failed {
		fatal("login", fmt.Errorf("one or more accounts failed"))
	}
}
