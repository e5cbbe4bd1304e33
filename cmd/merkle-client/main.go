package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/Layr-Labs/merkle-anchor-go/pkg/auth"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/client"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/config"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/logger"
	"github.com/Layr-Labs/merkle-anchor-go/pkg/types"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	infoColor = color.New(color.FgCyan)
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	accountFlag := &cli.StringFlag{
		Name:     "account",
		Aliases:  []string{"a"},
		Usage:    "Account ID",
		Required: true,
	}
	leafFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "text",
			Usage: "Leaf content as a UTF-8 string",
		},
		&cli.StringFlag{
			Name:  "hex",
			Usage: "Leaf content as 0x-prefixed hex",
		},
	}

	app := &cli.App{
		Name:  "merkle-client",
		Usage: "Client for the merkle account ledger server",
		Description: `Creates merkle accounts, appends leaves and checks inclusion proofs
against a running merkle-server.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Merkle server base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{config.EnvMerkleServerURL},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for servers running with hmac or jwks auth",
				EnvVars: []string{config.EnvMerkleToken},
			},
			&cli.StringFlag{
				Name:    "authority",
				Usage:   "Authority sent to servers running without auth",
				EnvVars: []string{config.EnvMerkleAuthority},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvMerkleVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "Check server health",
				Action: healthCommand,
			},
			{
				Name:  "init",
				Usage: "Initialize a new merkle account",
				Flags: []cli.Flag{
					accountFlag,
					&cli.StringFlag{
						Name:  "hash-function",
						Usage: "Hash function for the account (server default when empty)",
					},
					&cli.StringFlag{
						Name:  "leaf-policy",
						Usage: "Leaf policy: auto, hash or raw (server default when empty)",
					},
					&cli.UintFlag{
						Name:  "max-leaves",
						Usage: "Leaf capacity (server default when 0)",
					},
				},
				Action: initCommand,
			},
			{
				Name:   "insert",
				Usage:  "Append a leaf to an account",
				Flags:  append([]cli.Flag{accountFlag}, leafFlags...),
				Action: insertCommand,
			},
			{
				Name:   "root",
				Usage:  "Show the current root of an account",
				Flags:  []cli.Flag{accountFlag},
				Action: rootCommand,
			},
			{
				Name:   "account",
				Usage:  "Show an account with all its leaves",
				Flags:  []cli.Flag{accountFlag},
				Action: accountCommand,
			},
			{
				Name:   "list",
				Usage:  "List account IDs",
				Action: listCommand,
			},
			{
				Name:  "proof",
				Usage: "Fetch the inclusion proof for a leaf index",
				Flags: []cli.Flag{
					accountFlag,
					&cli.IntFlag{
						Name:     "index",
						Aliases:  []string{"i"},
						Usage:    "Leaf index",
						Required: true,
					},
				},
				Action: proofCommand,
			},
			{
				Name:  "verify",
				Usage: "Fetch the proof for an index and verify the given leaf against it",
				Flags: append([]cli.Flag{
					accountFlag,
					&cli.IntFlag{
						Name:     "index",
						Aliases:  []string{"i"},
						Usage:    "Leaf index the proof is generated for",
						Required: true,
					},
				}, leafFlags...),
				Action: verifyCommand,
			},
			{
				Name:   "subscribe",
				Usage:  "Stream inserted leaves for an account until interrupted",
				Flags:  []cli.Flag{accountFlag},
				Action: subscribeCommand,
			},
			{
				Name:  "token",
				Usage: "Issue an HS256 token for an authority",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "secret",
						Usage:    "Shared secret configured on the server",
						EnvVars:  []string{config.EnvMerkleAuthSecret},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "subject",
						Usage:    "Authority placed in the token subject",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: auth.DefaultTokenTTL,
					},
				},
				Action: tokenCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createClient creates a ledger client from the global flags
func createClient(c *cli.Context) (*client.Client, error) {
	zapLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return client.NewClient(&client.ClientConfig{
		BaseURL:   c.String("server"),
		Token:     c.String("token"),
		Authority: c.String("authority"),
		Logger:    zapLogger,
	})
}

func leafFromFlags(c *cli.Context) (types.LeafPayload, error) {
	var payload types.LeafPayload
	if h := c.String("hex"); h != "" {
		b, err := hexutil.Decode(h)
		if err != nil {
			return payload, fmt.Errorf("invalid --hex value: %w", err)
		}
		payload.Leaf = b
	}
	payload.Text = c.String("text")
	if _, err := payload.Bytes(); err != nil {
		return payload, fmt.Errorf("exactly one of --text or --hex is required: %w", err)
	}
	return payload, nil
}

func healthCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	res, err := cl.Health(c.Context)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	okColor.Printf("✅ Server status: %s\n", res.Status)
	return nil
}

func initCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	accountID := c.String("account")
	infoColor.Printf("🌱 Initializing account: %s\n", accountID)

	res, err := cl.Initialize(c.Context, &types.InitializeRequest{
		AccountID:    accountID,
		Authority:    c.String("authority"),
		HashFunction: c.String("hash-function"),
		LeafPolicy:   c.String("leaf-policy"),
		MaxLeaves:    uint32(c.Uint("max-leaves")),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize account: %w", err)
	}

	okColor.Printf("✅ Account created\n")
	printAccount(res, false)
	return nil
}

func insertCommand(c *cli.Context) error {
	payload, err := leafFromFlags(c)
	if err != nil {
		return err
	}
	cl, err := createClient(c)
	if err != nil {
		return err
	}

	var res *types.InsertLeafResponse
	if payload.Text != "" {
		res, err = cl.InsertText(c.Context, c.String("account"), payload.Text)
	} else {
		res, err = cl.InsertLeaf(c.Context, c.String("account"), payload.Leaf)
	}
	if err != nil {
		return fmt.Errorf("failed to insert leaf: %w", err)
	}

	okColor.Printf("✅ Leaf inserted at index %d\n", res.Index)
	fmt.Printf("  Root:       %s\n", res.Root)
	fmt.Printf("  Leaf count: %d\n", res.LeafCount)
	return nil
}

func rootCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	res, err := cl.GetRoot(c.Context, c.String("account"))
	if err != nil {
		return fmt.Errorf("failed to get root: %w", err)
	}
	fmt.Printf("%s (%d leaves)\n", res.Root, res.LeafCount)
	return nil
}

func accountCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	res, err := cl.GetAccount(c.Context, c.String("account"))
	if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}
	printAccount(res, true)
	return nil
}

func listCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	ids, err := cl.ListAccounts(c.Context)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No accounts")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func proofCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	res, err := cl.GetProof(c.Context, c.String("account"), c.Int("index"))
	if err != nil {
		return fmt.Errorf("failed to get proof: %w", err)
	}

	fmt.Printf("Leaf %d:  %s\n", res.LeafIndex, res.Leaf)
	fmt.Printf("Root:    %s\n", res.Root)
	fmt.Printf("Proof:\n")
	for i, sibling := range res.Proof {
		side := "left"
		if res.Path[i] {
			side = "right"
		}
		fmt.Printf("  %2d %-5s %s\n", i, side, sibling)
	}
	return nil
}

func verifyCommand(c *cli.Context) error {
	payload, err := leafFromFlags(c)
	if err != nil {
		return err
	}
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	accountID := c.String("account")

	proof, err := cl.GetProof(c.Context, accountID, c.Int("index"))
	if err != nil {
		return fmt.Errorf("failed to get proof: %w", err)
	}
	res, err := cl.Verify(c.Context, accountID, &types.VerifyRequest{
		LeafPayload: payload,
		Proof:       proof.Proof,
		Path:        proof.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to verify proof: %w", err)
	}

	if res.Valid {
		okColor.Printf("✅ Leaf is included under root %s\n", res.Root)
		return nil
	}
	failColor.Printf("❌ Leaf is not included under root %s\n", res.Root)
	return cli.Exit("", 1)
}

func subscribeCommand(c *cli.Context) error {
	cl, err := createClient(c)
	if err != nil {
		return err
	}
	accountID := c.String("account")

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	infoColor.Printf("📡 Streaming leaves for %s (Ctrl+C to stop)\n", accountID)
	return cl.Subscribe(ctx, accountID, func(ev *types.LeafInsertedEvent) {
		ts := time.Unix(ev.Timestamp, 0).Format(time.RFC3339)
		fmt.Printf("[%s] #%d %s root=%s\n", ts, ev.Index, ev.Leaf, ev.Root)
	})
}

func tokenCommand(c *cli.Context) error {
	token, err := auth.IssueToken([]byte(c.String("secret")), c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func printAccount(a *types.AccountResponse, withLeaves bool) {
	fmt.Printf("  ID:            %s\n", a.ID)
	fmt.Printf("  Authority:     %s\n", a.Authority)
	fmt.Printf("  Hash function: %s\n", a.HashFunction)
	fmt.Printf("  Leaf policy:   %s\n", a.LeafPolicy)
	fmt.Printf("  Leaves:        %d/%d\n", a.LeafCount, a.MaxLeaves)
	fmt.Printf("  Root:          %s\n", a.Root)
	if !withLeaves {
		return
	}
	for i, leaf := range a.Leaves {
		fmt.Printf("    %3d %s\n", i, leaf)
	}
}
