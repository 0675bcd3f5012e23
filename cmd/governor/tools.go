package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"github.com/civicbot/governor/internal/checkpoint"
	"github.com/civicbot/governor/internal/pow"
	"github.com/civicbot/governor/internal/replay"
	"github.com/civicbot/governor/internal/review"
)

// #region keys

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an administrator key pair and register its public key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		label, _ := cmd.Flags().GetString("label")
		noRegister, _ := cmd.Flags().GetBool("no-register")

		kp, err := checkpoint.GenerateKeyPair()
		if err != nil {
			return err
		}
		if !noRegister {
			if err := registerKey(cmd.Context(), kp.PublicKeyHex(), label); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\nsecret key: %s\n", kp.PublicKeyHex(), kp.SecretKeyHex())
		fmt.Fprintln(cmd.ErrOrStderr(), "The secret key is shown once. Store it offline.")
		return nil
	},
}

var registerKeyCmd = &cobra.Command{
	Use:   "register-key <public-key-hex>",
	Short: "Register an existing administrator public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		return registerKey(cmd.Context(), args[0], label)
	},
}

func registerKey(ctx context.Context, pubHex, label string) error {
	db, _, cl, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cl.close() }()

	reg, err := checkpoint.NewRegistry(db)
	if err != nil {
		return err
	}
	k, err := reg.Register(ctx, pubHex, label)
	if err != nil {
		return err
	}
	logger.Info().Str("public_key", k.PublicKey).Str("label", k.Label).Msg("key registered")
	return nil
}

var signCmd = &cobra.Command{
	Use:   "sign <cycle-id>",
	Short: "Sign a cycle id with an administrator secret key",
	Long: `sign prints the hex Ed25519 signature of the cycle id. The secret key is
read from --secret-file or prompted for without echo.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checkpoint.InitSecureMemory()
		defer checkpoint.PurgeSecureMemory()

		secret, err := readSecret(cmd)
		if err != nil {
			return err
		}
		sig, err := checkpoint.SignHex([]byte(args[0]), secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sig)
		return nil
	},
}

func readSecret(cmd *cobra.Command) (string, error) {
	if file, _ := cmd.Flags().GetString("secret-file"); file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	var secret string
	prompt := &survey.Password{Message: "Secret key (hex):"}
	if err := survey.AskOne(prompt, &secret, survey.WithValidator(survey.Required)); err != nil {
		return "", fmt.Errorf("prompt secret: %w", err)
	}
	return strings.TrimSpace(secret), nil
}

// #endregion keys

// #region ledger

var verifyLedgerCmd = &cobra.Command{
	Use:   "verify-ledger",
	Short: "Walk the chain and report the first broken block",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		_, l, cl, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = cl.close() }()

		res, err := l.VerifyChain(ctx)
		if err != nil {
			return err
		}
		if !res.Valid {
			return fmt.Errorf("ledger broken at block %d: %s", *res.BrokenAt, res.Reason)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ledger valid: %d blocks\n", res.Blocks)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger as JSON lines to a file, stdout or a GCS bucket",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")
		bucket, _ := cmd.Flags().GetString("bucket")
		if bucket == "" {
			bucket = cfg.Export.Bucket
		}

		_, l, cl, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = cl.close() }()

		if bucket != "" {
			object := path.Join(cfg.Export.Prefix, fmt.Sprintf("ledger-%s.jsonl", time.Now().UTC().Format("20060102T150405Z")))
			n, err := uploadLedger(ctx, bucket, object, func(w io.Writer) (int, error) { return l.WriteJSONL(ctx, w) })
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d blocks to gs://%s/%s\n", n, bucket, object)
			return nil
		}

		var w io.Writer = cmd.OutOrStdout()
		if out != "" && out != "-" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("create %s: %w", out, err)
			}
			defer f.Close()
			w = f
		}
		n, err := l.WriteJSONL(ctx, w)
		if err != nil {
			return err
		}
		logger.Info().Int("blocks", n).Str("out", out).Msg("ledger exported")
		return nil
	},
}

func uploadLedger(ctx context.Context, bucket, object string, write func(io.Writer) (int, error)) (int, error) {
	var opts []option.ClientOption
	if cfg.Export.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Export.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return 0, fmt.Errorf("create GCS client: %w", err)
	}
	defer client.Close()

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	n, err := write(w)
	if err != nil {
		_ = w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close GCS writer for %s: %w", object, err)
	}
	return n, nil
}

// #endregion ledger

// #region replay

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-run recorded approval decisions under the configured thresholds",
	Long: `replay reads approval blocks from the ledger, or cases from --fixture, and
scores them with the gate and eval thresholds of the current config. Cases
whose outcome would change are marked as flipped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		fixture, _ := cmd.Flags().GetString("fixture")
		rc := replay.ReplayConfig{GateConfig: cfg.Gate, EvalConfig: cfg.Eval}

		var cases []replay.Case
		if fixture != "" {
			f, err := replay.LoadFixture(fixture)
			if err != nil {
				return err
			}
			cases = f.ToCases()
		} else {
			_, l, cl, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = cl.close() }()
			blocks, err := l.Export(ctx)
			if err != nil {
				return err
			}
			if cases, err = replay.CasesFromLedger(blocks); err != nil {
				return err
			}
		}

		results := replay.Replay(cases, rc)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Summary replay.ReplaySummary  `json:"summary"`
			Results []replay.ReplayResult `json:"results"`
		}{replay.Summarize(results), results})
	},
}

// #endregion replay

// #region pow

var powCmd = &cobra.Command{
	Use:   "pow",
	Short: "Proof-of-work helpers",
}

var powSolveCmd = &cobra.Command{
	Use:   "solve <challenge>",
	Short: "Find a nonce for a challenge and print the proof as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		difficulty, _ := cmd.Flags().GetInt("difficulty")
		if difficulty <= 0 {
			difficulty = cfg.PoW.Difficulty
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		p, ok := pow.Solve(ctx, args[0], difficulty)
		if !ok {
			return fmt.Errorf("no nonce found within %s", timeout)
		}
		return json.NewEncoder(cmd.OutOrStdout()).Encode(p)
	},
}

// #endregion pow

// #region review-server

var reviewServerCmd = &cobra.Command{
	Use:   "review-server <reviewer-id>",
	Short: "Serve one configured reviewer over gRPC",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		var target review.Reviewer
		reviewers, cl, err := buildReviewers(cfg.Reviewers)
		if err != nil {
			return err
		}
		defer func() { _ = cl.close() }()
		for _, r := range reviewers {
			if r.ID() == args[0] {
				target = r
			}
		}
		if target == nil {
			return fmt.Errorf("reviewer %q is not configured", args[0])
		}

		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		s := grpc.NewServer()
		review.RegisterReviewServer(s, review.NewReviewerServer(target))
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			s.GracefulStop()
		}()
		logger.Info().Str("addr", addr).Str("reviewer", target.ID()).Msg("review server listening")
		return s.Serve(lis)
	},
}

// #endregion review-server

func init() {
	keygenCmd.Flags().String("label", "", "label stored with the public key")
	keygenCmd.Flags().Bool("no-register", false, "print the pair without registering it")
	registerKeyCmd.Flags().String("label", "", "label stored with the public key")
	signCmd.Flags().String("secret-file", "", "file holding the hex secret key")
	exportCmd.Flags().StringP("out", "o", "-", "output file, - for stdout")
	exportCmd.Flags().String("bucket", "", "GCS bucket (overrides export.bucket)")
	replayCmd.Flags().String("fixture", "", "replay a JSON fixture instead of the ledger")
	powSolveCmd.Flags().Int("difficulty", 0, "leading zero hex digits (default from config)")
	powSolveCmd.Flags().Duration("timeout", time.Minute, "give up after")
	reviewServerCmd.Flags().String("addr", ":50051", "listen address")

	powCmd.AddCommand(powSolveCmd)
	rootCmd.AddCommand(reviewServerCmd)
}
