// AVM: account-based virtual machine for object-oriented DApp bytecode.
//
// This is a thin runner around the executor: it deploys a packaged DApp
// into a data directory and invokes entry points against the persisted
// object graph. The outer transaction scheduler is expected to wrap this
// in production; the CLI exists for local development and inspection.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/rleor/avm/internal/types"
	"github.com/rleor/avm/pkg/executor"
	"github.com/rleor/avm/pkg/kvstore"
	"github.com/rleor/avm/pkg/persist"
)

// Version information
var (
	Version = "0.1.0"
)

// Configuration flags
var (
	dataDir     = flag.String("data-dir", "avm-data", "Data directory for graph and user storage")
	address     = flag.String("address", "", "DApp address (base58)")
	sender      = flag.String("sender", "", "Sender address (base58)")
	energyLimit = flag.Uint64("energy-limit", 2_000_000, "Energy budget for the call")
	callData    = flag.String("data", "", "Call data (hex)")
	logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("avm %s\n", Version)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: avm [flags] deploy <package-file> | run")
		os.Exit(2)
	}

	addr, err := types.AddressFromBase58(*address)
	if *address != "" && err != nil {
		log.Fatalf("Invalid address: %v", err)
	}
	from := addr
	if *sender != "" {
		if from, err = types.AddressFromBase58(*sender); err != nil {
			log.Fatalf("Invalid sender: %v", err)
		}
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	graphDB, err := persist.OpenBoltGraphDB(filepath.Join(*dataDir, "graph.db"))
	if err != nil {
		log.Fatalf("Failed to open graph store: %v", err)
	}
	defer graphDB.Close()

	userKV, err := kvstore.Open(kvstore.DefaultConfig(filepath.Join(*dataDir, "storage")))
	if err != nil {
		log.Fatalf("Failed to open user storage: %v", err)
	}
	defer userKV.Close()

	artifacts, err := executor.NewFileArtifacts(filepath.Join(*dataDir, "artifacts"))
	if err != nil {
		log.Fatalf("Failed to open artifact store: %v", err)
	}
	vm := executor.New(artifacts, executor.NewBoltGraphs(graphDB), userKV)

	data, err := hex.DecodeString(*callData)
	if err != nil {
		log.Fatalf("Invalid call data: %v", err)
	}
	ctx := &types.TransactionContext{
		Origin:      from,
		Sender:      from,
		Address:     addr,
		Data:        data,
		EnergyLimit: *energyLimit,
	}

	switch args[0] {
	case "deploy":
		if len(args) < 2 {
			log.Fatal("deploy requires a package file")
		}
		blob, err := os.ReadFile(args[1])
		if err != nil {
			log.Fatalf("Failed to read package: %v", err)
		}
		pkg, err := executor.DecodeArtifact(blob)
		if err != nil {
			log.Fatalf("Failed to decode package: %v", err)
		}
		result := vm.Deploy(executor.NewTask(), ctx, pkg)
		report(result)
	case "run":
		result := vm.Run(executor.NewTask(), ctx)
		report(result)
	default:
		log.Fatalf("Unknown command %q", args[0])
	}
}

func report(result *types.TransactionResult) {
	log.Printf("Status: %s", result.Code)
	log.Printf("Energy used: %d", result.EnergyUsed)
	if len(result.ReturnData) > 0 {
		log.Printf("Return data: %x", result.ReturnData)
	}
	if result.UncaughtException != "" {
		log.Printf("Uncaught exception: %s", result.UncaughtException)
	}
	if !result.Code.IsSuccess() {
		os.Exit(1)
	}
}
