// ledgerctl inspects a decision ledger offline, directly against its store.
//
//	ledgerctl -dir ./data/ledger head
//	ledgerctl -db postgres://... verify -from 100 -to 200
//	ledgerctl -dir ./data/ledger dump -from 1 -to 50
package main

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/zerotrust/kernel/internal/keys"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/ledger"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/logging"
	"github.com/ILLUVRSE/zerotrust/kernel/internal/signer"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ledgerctl (-dir DIR | -db URL) [-signer-id ID -pubkey B64] head|verify|dump [-from N] [-to N]\n")
	flag.PrintDefaults()
}

func main() {
	dir := flag.String("dir", "", "file ledger directory")
	dbURL := flag.String("db", "", "postgres ledger URL")
	signerID := flag.String("signer-id", "", "signer id for -pubkey")
	pubKey := flag.String("pubkey", "", "base64 Ed25519 public key to verify signatures with")
	level := flag.String("log-level", "warn", "log level")
	flag.Usage = usage
	flag.Parse()

	logger := logging.MustNew(*level, "console")
	defer logger.Sync()

	if flag.NArg() < 1 || (*dir == "") == (*dbURL == "") {
		usage()
		os.Exit(2)
	}

	sub := flag.NewFlagSet(flag.Arg(0), flag.ExitOnError)
	from := sub.Uint64("from", 0, "first sequence (0 = 1)")
	to := sub.Uint64("to", 0, "last sequence (0 = head)")
	_ = sub.Parse(flag.Args()[1:])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, reg, closeFn, err := open(ctx, *dir, *dbURL)
	if err != nil {
		logger.Fatal("open ledger", zap.Error(err))
	}
	defer closeFn()

	if *pubKey != "" {
		raw, err := base64.StdEncoding.DecodeString(*pubKey)
		if err != nil {
			logger.Fatal("decode -pubkey", zap.Error(err))
		}
		reg.AddSigner(*signerID, raw, signer.Algorithm)
	}

	switch flag.Arg(0) {
	case "head":
		e, err := store.Head(ctx)
		if err != nil {
			logger.Fatal("read head", zap.Error(err))
		}
		h := ledger.Head{}
		if e != nil {
			h = ledger.Head{Sequence: e.Sequence, Hash: e.EntryHash}
		}
		printJSON(h)
	case "verify":
		// with no known signer keys only the hash chain can be checked
		if len(reg.ListSigners()) == 0 {
			logger.Warn("no signer keys; signatures are not verified")
			reg = nil
		}
		res, err := ledger.Verify(ctx, store, reg, *from, *to)
		if err != nil {
			logger.Fatal("verify", zap.Error(err))
		}
		printJSON(res)
		if !res.OK {
			os.Exit(1)
		}
	case "dump":
		if *from == 0 {
			*from = 1
		}
		entries, err := store.Range(ctx, *from, *to)
		if err != nil {
			logger.Fatal("read entries", zap.Error(err))
		}
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				logger.Fatal("write entry", zap.Error(err))
			}
		}
	default:
		usage()
		os.Exit(2)
	}
}

func open(ctx context.Context, dir, dbURL string) (ledger.Store, *keys.Registry, func(), error) {
	reg := keys.NewRegistry()
	if dir != "" {
		s, err := ledger.NewFileStore(dir)
		return s, reg, func() {}, err
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	// registered signer keys verify signatures without extra flags
	if _, err := keys.NewStore(db).LoadInto(ctx, reg); err != nil && !errors.Is(err, sql.ErrNoRows) {
		db.Close()
		return nil, nil, nil, fmt.Errorf("load signer keys: %w", err)
	}
	return ledger.NewPGStore(db), reg, func() { db.Close() }, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
