package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AlexeiFed/waxhands-sub007/internal/signature"
	pkgconfig "github.com/AlexeiFed/waxhands-sub007/pkg/config"
)

// signingEnv reads the merchant secrets the same way the server does.
type signingEnv struct {
	Password1     string `env:"ROBOKASSA_PASSWORD_1"`
	Password2     string `env:"ROBOKASSA_PASSWORD_2"`
	HashAlgorithm string `env:"ROBOKASSA_HASH_ALGORITHM" envDefault:"md5"`
}

func signCmd() *cobra.Command {
	var (
		outSum string
		invID  string
		shp    []string
		tier   string
		alg    string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a Result or Success callback for testing",
		Long: `Computes SignatureValue for OutSum:InvId:Password[:Shp_...] and prints the
query string a gateway callback would carry. Secrets are read from
ROBOKASSA_PASSWORD_1 and ROBOKASSA_PASSWORD_2 or a .env file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var env signingEnv
			if err := pkgconfig.Load(&env, ".env"); err != nil {
				return err
			}
			if alg == "" {
				alg = env.HashAlgorithm
			}

			t, err := parseTier(tier)
			if err != nil {
				return err
			}
			payload := signature.Payload{OutSum: outSum, InvID: invID}
			if len(shp) > 0 {
				payload.Shp = make(map[string]string, len(shp))
				for _, kv := range shp {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid --shp %q, want key=value", kv)
					}
					if !strings.HasPrefix(strings.ToLower(k), "shp_") {
						k = "Shp_" + k
					}
					payload.Shp[k] = v
				}
			}

			v, err := signature.NewVerifier(signature.Algorithm(alg), signature.Secrets{
				Password1: env.Password1,
				Password2: env.Password2,
			})
			if err != nil {
				return err
			}
			sig, err := v.Sign(payload, t)
			if err != nil {
				return err
			}

			q := url.Values{}
			q.Set("OutSum", outSum)
			q.Set("InvId", invID)
			for k, val := range payload.Shp {
				q.Set(k, val)
			}
			q.Set("SignatureValue", sig)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, sig)
			fmt.Fprintln(out, q.Encode())
			return nil
		},
	}

	cmd.Flags().StringVar(&outSum, "out-sum", "", "amount exactly as the gateway sends it, e.g. 750.00")
	cmd.Flags().StringVar(&invID, "inv-id", "", "gateway invoice number")
	cmd.Flags().StringSliceVar(&shp, "shp", nil, "pass-through parameter key=value (repeatable)")
	cmd.Flags().StringVar(&tier, "tier", "result", "secret to sign with: result or payment")
	cmd.Flags().StringVar(&alg, "alg", "", "hash algorithm (defaults to ROBOKASSA_HASH_ALGORITHM)")
	_ = cmd.MarkFlagRequired("out-sum")
	_ = cmd.MarkFlagRequired("inv-id")
	return cmd
}

func parseTier(s string) (signature.Tier, error) {
	switch strings.ToLower(s) {
	case "result", "2":
		return signature.TierResult, nil
	case "payment", "success", "1":
		return signature.TierPayment, nil
	}
	return 0, fmt.Errorf("unknown --tier %q, want result or payment", s)
}
