// crtool computes commit-reveal hashes and call data offline.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/0gfoundation/0g-aa-wallet/internal/commitment"
	"github.com/0gfoundation/0g-aa-wallet/internal/userop"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crtool",
		Short: "Commit-reveal codec tool",
		Long: `Compute commitment hashes and commit/reveal call data without a node.

Payloads are read as text unless --hex is given.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().Bool("hex", false, "treat payload arguments as 0x-prefixed hex")
	root.AddCommand(hashCmd(), encodeCommitCmd(), encodeRevealCmd(), decodeCmd(), opHashCmd())
	return root
}

func payloadArg(cmd *cobra.Command, arg string) ([]byte, error) {
	asHex, _ := cmd.Flags().GetBool("hex")
	if !asHex {
		return []byte(arg), nil
	}
	if !strings.HasPrefix(arg, "0x") {
		return nil, errors.New("hex payload must start with 0x")
	}
	b, err := decodeHex(arg)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return b, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <payload>",
		Short: "Print the commitment hash sha256(payload)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(cmd, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), common.Hash(commitment.ComputeCommitmentHash(payload)).Hex())
			return nil
		},
	}
}

func encodeCommitCmd() *cobra.Command {
	var isHash bool
	cmd := &cobra.Command{
		Use:   "encode-commit <payload>",
		Short: "Print commit(bytes32) call data for a payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hash [32]byte
			if isHash {
				raw, err := decodeHex(args[0])
				if err != nil || len(raw) != 32 {
					return fmt.Errorf("invalid commitment hash %q", args[0])
				}
				copy(hash[:], raw)
			} else {
				payload, err := payloadArg(cmd, args[0])
				if err != nil {
					return err
				}
				if err := commitment.NewCodec(0).CheckPayload(payload); err != nil {
					return err
				}
				hash = commitment.ComputeCommitmentHash(payload)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hexOf(commitment.EncodeCommitCall(hash)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&isHash, "from-hash", false, "argument is an already computed 32-byte hash")
	return cmd
}

func encodeRevealCmd() *cobra.Command {
	var maxBytes int
	cmd := &cobra.Command{
		Use:   "encode-reveal <payload>",
		Short: "Print reveal(bytes) call data for a payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := payloadArg(cmd, args[0])
			if err != nil {
				return err
			}
			data, err := commitment.NewCodec(maxBytes).EncodeRevealCall(payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hexOf(data))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxBytes, "max-bytes", commitment.DefaultMaxPayloadBytes, "payload size limit")
	return cmd
}

func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <calldata>",
		Short: "Decode commit or reveal call data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := decodeHex(args[0])
			if err != nil {
				return fmt.Errorf("invalid call data: %w", err)
			}
			out := cmd.OutOrStdout()
			if hash, err := commitment.DecodeCommitCall(data); err == nil {
				fmt.Fprintf(out, "commit\nhash: %s\n", common.Hash(hash).Hex())
				return nil
			}
			payload, err := commitment.DecodeRevealCall(data)
			if err != nil {
				return errors.New("call data is neither commit(bytes32) nor reveal(bytes)")
			}
			fmt.Fprintf(out, "reveal\npayload: %s\n", hexOf(payload))
			if utf8.Valid(payload) {
				fmt.Fprintf(out, "text: %s\n", payload)
			}
			fmt.Fprintf(out, "hash: %s\n", common.Hash(commitment.ComputeCommitmentHash(payload)).Hex())
			return nil
		},
	}
}

func opHashCmd() *cobra.Command {
	var (
		entryPoint string
		chainID    int64
	)
	cmd := &cobra.Command{
		Use:   "op-hash <operation.json>",
		Short: "Print the entry point hash of a JSON-RPC user operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(entryPoint) {
				return fmt.Errorf("invalid --entry-point %q", entryPoint)
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var rpcOp userop.RPCOperation
			if err := json.Unmarshal(raw, &rpcOp); err != nil {
				return fmt.Errorf("parse operation: %w", err)
			}
			op, _ := rpcOp.Operation()
			h := userop.Hash(op, common.HexToAddress(entryPoint), big.NewInt(chainID))
			fmt.Fprintln(cmd.OutOrStdout(), common.Hash(h).Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&entryPoint, "entry-point", "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789", "entry point address")
	cmd.Flags().Int64Var(&chainID, "chain-id", 1, "chain id")
	return cmd
}

func hexOf(b []byte) string { return "0x" + common.Bytes2Hex(b) }
