package main

import (
	"context"
	"flag"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/onemorebsmith/bounty-escrow/src/escrowd"
	"gopkg.in/yaml.v2"
)

func main() {
	pwd, _ := os.Getwd()
	fullPath := path.Join(pwd, "config.yaml")
	log.Printf("loading config @ `%s`", fullPath)
	rawCfg, err := ioutil.ReadFile(fullPath)
	if err != nil {
		log.Printf("config file not found: %s", err)
		os.Exit(1)
	}
	cfg := escrowd.Config{}
	if err := yaml.Unmarshal(rawCfg, &cfg); err != nil {
		log.Printf("failed parsing config file: %s", err)
		os.Exit(1)
	}

	var maxSlippage uint
	flag.StringVar(&cfg.ListenAddress, "listen", cfg.ListenAddress, "address to serve the escrow api, default `:8080`")
	flag.StringVar(&cfg.PromPort, "prom", cfg.PromPort, "address to serve prom stats, default `:2112`")
	flag.StringVar(&cfg.HealthCheckPort, "hcp", cfg.HealthCheckPort, `(rarely used) if defined will expose a health check on /readyz, default ""`)
	flag.StringVar(&cfg.PostgresConfig, "pg", cfg.PostgresConfig, `config string for the postgres connection, empty keeps the journal in memory`)
	flag.StringVar(&cfg.RedisConfig, "redis", cfg.RedisConfig, `address of the redis server, empty disables replay sharing and event fan-out`)
	flag.StringVar(&cfg.SettlementAsset, "asset", cfg.SettlementAsset, "settlement asset all pools are denominated in")
	flag.UintVar(&maxSlippage, "slippage", uint(cfg.MaxSlippageBps), "max tolerated shortfall against a quote in bps, 0 disables")
	flag.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level, default `info`")
	flag.DurationVar(&cfg.AuditInterval, "audit", cfg.AuditInterval, "interval between pool audits, 0 disables")

	flag.Parse()
	cfg.MaxSlippageBps = uint32(maxSlippage)

	log.Println("----------------------------------")
	log.Printf("initializing escrowd")
	log.Printf("\tlisten:        %s", cfg.ListenAddress)
	log.Printf("\tprom:          %s", cfg.PromPort)
	log.Printf("\thealth check:  %s", cfg.HealthCheckPort)
	log.Printf("\tredis:         %s", cfg.RedisConfig)
	log.Printf("\tasset:         %s", cfg.SettlementAsset)
	log.Printf("\tslippage_bps:  %d", cfg.MaxSlippageBps)
	log.Printf("\taudit:         %s", cfg.AuditInterval)
	log.Printf("\taccounts:      %d", len(cfg.Accounts))
	log.Println("----------------------------------")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := escrowd.ListenAndServe(ctx, cfg); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
