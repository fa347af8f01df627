package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stellance/ledger/anchor"
	"github.com/stellance/ledger/backend"
	"github.com/stellance/ledger/bids"
	"github.com/stellance/ledger/cmd"
	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/util"
)

const cliName = "stellance"

var (
	config = cmd.Config{
		Viper:  viper.New(),
		Dir:    ".stellance",
		Name:   "config",
		EnvPre: "STELLANCE",
		Global: true,
	}

	flags = map[string]cmd.Flag{
		"api":    {Key: "api", DefValue: "http://127.0.0.1:8700"},
		"anchor": {Key: "anchor", DefValue: "http://127.0.0.1:8800"},
		"key":    {Key: "key", DefValue: ""},
	}

	rootCmd = &cobra.Command{
		Use:   cliName,
		Short: "Stellance marketplace client",
		Long:  `The Stellance client: sign bids, inspect escrows, and talk to anchors.`,
		PersistentPreRun: func(c *cobra.Command, args []string) {
			config.Viper.SetConfigType("yaml")
			cmd.ExpandConfigVars(config.Viper, flags)
			if cmd.GetBoolFlag(c.Flag("debug")) {
				err := util.SetLogLevels(map[string]logging.LogLevel{
					"txnqueue":      logging.LevelDebug,
					"monitor":       logging.LevelDebug,
					"retry":         logging.LevelDebug,
					"escrow":        logging.LevelDebug,
					"crowdfund":     logging.LevelDebug,
					"bids":          logging.LevelDebug,
					"notifications": logging.LevelDebug,
					"backend":       logging.LevelDebug,
					"anchor":        logging.LevelDebug,
				})
				cmd.ErrCheck(err)
			}
		},
	}
)

func init() {
	cobra.OnInitialize(cmd.InitConfig(config))
	rootCmd.PersistentFlags().String("api", flags["api"].DefValue.(string), "Marketplace backend API address")
	rootCmd.PersistentFlags().String("anchor", flags["anchor"].DefValue.(string), "Anchor service address")
	rootCmd.PersistentFlags().String("key", flags["key"].DefValue.(string), "Encoded signing key")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := cmd.BindFlags(config.Viper, rootCmd, flags); err != nil {
		cmd.Fatal(err)
	}

	rootCmd.AddCommand(configCmd, keysCmd, bidCmd, bidsCmd, rateCmd)
	configCmd.AddCommand(configCreateCmd)
	keysCmd.AddCommand(keysNewCmd)
	bidCmd.AddCommand(bidSignCmd, bidVerifyCmd)

	configCreateCmd.Flags().String("dir", "", "Directory to write the config file")

	bidSignCmd.Flags().String("escrow", "", "Escrow contract id")
	bidSignCmd.Flags().Float64("amount", 0, "Bid amount")
	bidSignCmd.Flags().Int("days", 0, "Delivery days")
	bidSignCmd.Flags().String("text", "", "Proposal text")
	bidSignCmd.Flags().StringSlice("link", nil, "Portfolio link (repeatable)")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config utils",
	Long:  `Config file utilities.`,
}

var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a config file",
	Long:  `Create a config file with the current values, globally or in --dir.`,
	Run: func(c *cobra.Command, args []string) {
		cmd.WriteConfig(c, config.Viper, config.Dir)
		cmd.Success("Wrote config")
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key utils",
	Long:  `Signing key utilities.`,
}

var keysNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new signing key",
	Long:  `Create a new local signing key and print its address.`,
	Run: func(c *cobra.Command, args []string) {
		signer, err := ledger.NewLocalSigner()
		cmd.ErrCheck(err)
		key, err := signer.String()
		cmd.ErrCheck(err)
		cmd.Message("Address: %s", signer.PublicKey())
		cmd.Message("Key: %s", key)
		cmd.Warn("Store the key somewhere safe. It cannot be recovered.")
	},
}

var bidCmd = &cobra.Command{
	Use:   "bid",
	Short: "Bid utils",
	Long:  `Sign and verify bid proposals.`,
}

var bidSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a bid proposal",
	Long:  `Canonicalize, digest, and sign a bid proposal, printing it as JSON.`,
	Run: func(c *cobra.Command, args []string) {
		signer := signerFromConfig(c)
		amount, err := strconv.ParseFloat(cmd.GetStringFlag(c.Flag("amount")), 64)
		cmd.ErrCheck(err)
		days, err := strconv.Atoi(cmd.GetStringFlag(c.Flag("days")))
		cmd.ErrCheck(err)
		links, err := c.Flags().GetStringSlice("link")
		cmd.ErrCheck(err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		signed, err := bids.Sign(ctx, bids.Proposal{
			EscrowID:     cmd.GetStringFlag(c.Flag("escrow")),
			Amount:       amount,
			DeliveryDays: days,
			Text:         cmd.GetStringFlag(c.Flag("text")),
			Links:        links,
		}, signer)
		cmd.ErrCheck(err)
		raw, err := json.MarshalIndent(signed, "", "  ")
		cmd.ErrCheck(err)
		fmt.Println(string(raw))
	},
}

var bidVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify a signed bid",
	Long:  `Verify the digest and signature of a signed bid proposal.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		raw, err := ioutil.ReadFile(args[0])
		cmd.ErrCheck(err)
		var signed bids.SignedProposal
		cmd.ErrCheck(json.Unmarshal(raw, &signed))
		cmd.ErrCheck(bids.Verify(&signed))
		cmd.Success("Bid by %s verifies", signed.Freelancer)
	},
}

var bidsCmd = &cobra.Command{
	Use:   "bids [escrow-id]",
	Short: "List bids on an escrow",
	Long:  `List the bids registered against an escrow contract.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		client, err := backend.NewClient(config.Viper.GetString("api"))
		cmd.ErrCheck(err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		list, err := client.Bids(ctx, args[0])
		cmd.ErrCheck(err)
		if len(list) == 0 {
			cmd.End("No bids yet")
		}
		data := make([][]string, len(list))
		for i, b := range list {
			data[i] = []string{
				b.Freelancer,
				util.FormatAmount(b.Amount),
				strconv.Itoa(b.DeliveryDays),
				time.Unix(b.Timestamp, 0).Format(time.RFC822),
			}
		}
		cmd.RenderTable([]string{"freelancer", "amount", "days", "submitted"}, data)
		cmd.Message("Found %d bids", len(list))
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate [from] [to]",
	Short: "Look up an exchange rate",
	Long:  `Look up an anchor exchange rate for a currency pair.`,
	Args:  cobra.ExactArgs(2),
	Run: func(c *cobra.Command, args []string) {
		client, err := anchor.NewClient(config.Viper.GetString("anchor"))
		cmd.ErrCheck(err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		rate, err := client.ExchangeRate(ctx, args[0], args[1])
		cmd.ErrCheck(err)
		cmd.Message("1 %s = %f %s", args[0], rate, args[1])
	},
}

func signerFromConfig(c *cobra.Command) *ledger.LocalSigner {
	key := config.Viper.GetString("key")
	if key == "" {
		key = cmd.GetFlagOrEnvValue(c, "key", config.EnvPre)
	}
	if key == "" {
		cmd.Fatal(fmt.Errorf("a signing key is required (run '%s keys new')", cliName))
	}
	signer, err := ledger.LocalSignerFromString(key)
	cmd.ErrCheck(err)
	return signer
}

func main() {
	cmd.ErrCheck(rootCmd.Execute())
}
