package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	badgerds "github.com/ipfs/go-ds-badger2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-address"

	"github.com/filecoin-project/go-payments/railmgr"
)

var log = logging.Logger("rails")

func main() {
	logging.SetLogLevel("*", "INFO")

	local := []*cli.Command{
		listCmd,
		railCmd,
		accountCmd,
		approvalCmd,
	}

	app := &cli.App{
		Name:     "rails",
		Usage:    "inspect a payment rails repo",
		Commands: local,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				EnvVars: []string{"RAILS_PATH"},
				Value:   "~/.rails",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("rails", cctx.String("log-level"))
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Warnf("%+v", err)
		os.Exit(1)
		return
	}
}

func openStore(cctx *cli.Context) (*railmgr.Store, func(), error) {
	_ = logging.SetLogLevel("badger", "ERROR")

	opts := badgerds.DefaultOptions
	opts.ReadOnly = true

	ds, err := badgerds.NewDatastore(cctx.String("repo"), &opts)
	if err != nil {
		return nil, nil, xerrors.Errorf("opening datastore at %s: %w", cctx.String("repo"), err)
	}

	return railmgr.NewStore(ds), func() {
		if err := ds.Close(); err != nil {
			log.Warnf("closing datastore: %s", err)
		}
	}, nil
}

func printJSON(v interface{}) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

var listCmd = &cli.Command{
	Name:        "list",
	Description: "list live rail ids",
	Action: func(cctx *cli.Context) error {
		store, closer, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer closer()

		ids, err := store.ListRailIDs(cctx.Context)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var railCmd = &cli.Command{
	Name:        "rail",
	Description: "show one rail record",
	ArgsUsage:   "<rail-id>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected a rail id")
		}
		id, err := strconv.ParseUint(cctx.Args().First(), 10, 64)
		if err != nil {
			return xerrors.Errorf("parsing rail id: %w", err)
		}

		store, closer, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer closer()

		rail, err := store.GetRail(cctx.Context, id)
		if err != nil {
			return err
		}
		return printJSON(rail)
	},
}

var accountCmd = &cli.Command{
	Name:        "account",
	Description: "show one escrow account record",
	ArgsUsage:   "<asset> <owner>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return xerrors.Errorf("expected asset and owner addresses")
		}
		asset, err := address.NewFromString(cctx.Args().Get(0))
		if err != nil {
			return xerrors.Errorf("parsing asset address: %w", err)
		}
		owner, err := address.NewFromString(cctx.Args().Get(1))
		if err != nil {
			return xerrors.Errorf("parsing owner address: %w", err)
		}

		store, closer, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer closer()

		acct, err := store.GetAccount(cctx.Context, asset, owner)
		if err != nil {
			return err
		}
		return printJSON(acct)
	},
}

var approvalCmd = &cli.Command{
	Name:        "approval",
	Description: "show one operator approval record",
	ArgsUsage:   "<asset> <client> <operator>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 3 {
			return xerrors.Errorf("expected asset, client and operator addresses")
		}
		asset, err := address.NewFromString(cctx.Args().Get(0))
		if err != nil {
			return xerrors.Errorf("parsing asset address: %w", err)
		}
		client, err := address.NewFromString(cctx.Args().Get(1))
		if err != nil {
			return xerrors.Errorf("parsing client address: %w", err)
		}
		operator, err := address.NewFromString(cctx.Args().Get(2))
		if err != nil {
			return xerrors.Errorf("parsing operator address: %w", err)
		}

		store, closer, err := openStore(cctx)
		if err != nil {
			return err
		}
		defer closer()

		oa, err := store.GetApproval(cctx.Context, asset, client, operator)
		if err != nil {
			return err
		}
		return printJSON(oa)
	},
}
