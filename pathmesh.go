package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/pathmesh/pathmesh/config"
	"github.com/pathmesh/pathmesh/service/resolver"
)

var (
	configFile           string
	generateSampleConfig bool
)

func init() {
	flag.StringVar(&configFile, "c", "pathmesh.toml", "-c=pathmesh.toml")
	flag.BoolVar(&generateSampleConfig, "gencfg", false, "-gencfg")

	flag.Parse()
}

func main() {
	func() {
		if generateSampleConfig {
			fs := afero.NewOsFs()
			f, err := fs.Create("pathmesh.toml.example")
			if err != nil {
				panic(err)
			}
			defer f.Close()
			if err := config.WriteDefault(f); err != nil {
				panic(err)
			}
			os.Exit(1)
		}
	}()

	meshCfg := new(config.MeshConfig)
	if len(configFile) > 0 {
		fs := afero.NewOsFs()
		cfgData, err := afero.ReadFile(fs, configFile)
		if err != nil {
			panic(err)
		}
		if err := toml.Unmarshal(cfgData, meshCfg); err != nil {
			panic(err)
		}
		meshCfg.MergeDefault()
	} else {
		panic(errors.New("pathmesh config file not specified"))
	}

	if err := meshCfg.Validate(); err != nil {
		panic(err)
	}

	startService(meshCfg)

	waiting()
}

func waiting() {
	errc := make(chan error, 1)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	select {
	case err := <-errc:
		log.Printf("failed to serve: %v", err)
	case sig := <-sigs:
		log.Printf("terminating: %v", sig)
	}
}

func startService(cfg *config.MeshConfig) {
	if cfg.Resolver.Disable {
		return
	}
	mech, err := cfg.Shared.Auth.BuildMechanism(afero.NewOsFs())
	if err != nil {
		panic(err)
	}
	server := resolver.NewServer(resolver.ServerConfig{
		Listen:    cfg.Resolver.Listen,
		MaxConns:  cfg.Resolver.MaxConns,
		NumShards: cfg.Resolver.NumShards,
		Mechanism: mech,
		Lease:     cfg.Resolver.Lease(),
		Compress:  cfg.Shared.Compress,
	})
	for _, r := range cfg.Resolver.Referrals {
		server.Store().Referrals().Set(r.Prefix, r.Addrs)
	}
	if err := server.Start(); err != nil {
		panic(err)
	}

	if cfg.Resolver.AdminListen != "" {
		admin := resolver.NewAdminService(cfg.Resolver.AdminListen, server)
		go func() {
			if err := admin.StartService(); err != nil {
				log.Printf("admin service stopped: %v", err)
			}
		}()
	}
}
