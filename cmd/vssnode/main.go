// Command vssnode runs a hybrid PoW/PoS validator node.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hybridpos/vssnode/daemon"
	"github.com/hybridpos/vssnode/errors"
	"github.com/hybridpos/vssnode/model"
	"github.com/hybridpos/vssnode/services/p2p"
	"github.com/hybridpos/vssnode/settings"
	"github.com/hybridpos/vssnode/ulogger"
	"github.com/urfave/cli/v2"
)

const progname = "vssnode"

// Version & commit strings injected at build with -ldflags -X...
var (
	version string
	commit  string
)

// exitRestart tells the supervisor to start the node again.
const exitRestart = 3

func main() {
	app := &cli.App{
		Name:    progname,
		Usage:   "hybrid proof of work / proof of stake validator node",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "file of environment variables loaded before the command flags", Value: ".env"},
		},
		Before: func(c *cli.Context) error {
			return settings.LoadEnvFile(c.String("env-file"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the node",
				Action: run,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "data-folder", Usage: "folder for keys, chain and snapshots"},
					&cli.StringFlag{Name: "validator-key", Usage: "hex encoded validator private key", EnvVars: []string{"VSS_VALIDATOR_KEY"}},
					&cli.StringFlag{Name: "reward-address", Usage: "address receiving PoW rewards"},
					&cli.StringSliceFlag{Name: "peer", Usage: "static peer multiaddr, repeatable"},
					&cli.StringFlag{Name: "metrics-address", Usage: "listen address of the metrics and health endpoints"},
					&cli.BoolFlag{Name: "mining", Usage: "search for proof of work", Value: true},
					&cli.IntFlag{Name: "min-peers", Usage: "peers required before the node starts"},
				},
			},
			{
				Name:   "keygen",
				Usage:  "Generate a validator key and a p2p identity key",
				Action: keygen,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)

		if errors.Is(err, errors.ErrRestartRequired) {
			os.Exit(exitRestart)
		}

		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	tSettings := settings.NewSettings()

	if c.IsSet("data-folder") {
		tSettings.DataFolder = c.String("data-folder")
	}

	if c.IsSet("validator-key") {
		tSettings.Node.ValidatorKey = c.String("validator-key")
	}

	if c.IsSet("reward-address") {
		tSettings.Mining.RewardAddress = c.String("reward-address")
	}

	if c.IsSet("peer") {
		tSettings.P2P.StaticPeers = c.StringSlice("peer")
	}

	if c.IsSet("metrics-address") {
		tSettings.Metrics.ListenAddress = c.String("metrics-address")
	}

	if c.IsSet("mining") {
		tSettings.Mining.Enabled = c.Bool("mining")
	}

	if c.IsSet("min-peers") {
		tSettings.Node.MinPeers = c.Int("min-peers")
	}

	logger := ulogger.New(progname, ulogger.WithLevel(tSettings.LogLevel), ulogger.WithLoggerType(tSettings.LoggerType))
	logger.Infof("%s %s (%s) on %s", progname, version, commit, tSettings.ChainCfgParams.Name)

	return daemon.New(logger, tSettings).Run(context.Background())
}

func keygen(*cli.Context) error {
	signer, err := model.NewSigner()
	if err != nil {
		return err
	}

	p2pKey, err := p2p.GenerateHexEd25519PrivateKey()
	if err != nil {
		return err
	}

	fmt.Printf("node_validatorKey=%s\n", signer.PrivateKeyHex())
	fmt.Printf("# address %s\n", signer.Address())
	fmt.Printf("p2p_private_key=%s\n", p2pKey)

	return nil
}
