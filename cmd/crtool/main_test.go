package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-aa-wallet/internal/commitment"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return strings.TrimSpace(buf.String()), err
}

func TestHash(t *testing.T) {
	out, err := run(t, "hash", "hello-world")
	if err != nil {
		t.Fatal(err)
	}
	want := common.Hash(commitment.ComputeCommitmentHash([]byte("hello-world"))).Hex()
	if out != want {
		t.Errorf("got %s want %s", out, want)
	}

	hexOut, err := run(t, "hash", "--hex", hexOf([]byte("hello-world")))
	if err != nil || hexOut != want {
		t.Errorf("hex payload: got %s (%v) want %s", hexOut, err, want)
	}
}

func TestHash_BadHex(t *testing.T) {
	if _, err := run(t, "hash", "--hex", "abcd"); err == nil {
		t.Error("missing 0x prefix should fail")
	}
	if _, err := run(t, "hash", "--hex", "0xzz"); err == nil {
		t.Error("invalid hex should fail")
	}
}

func TestEncodeCommit_RoundTrip(t *testing.T) {
	out, err := run(t, "encode-commit", "hello-world")
	if err != nil {
		t.Fatal(err)
	}
	hash, err := commitment.DecodeCommitCall(common.FromHex(out))
	if err != nil || hash != commitment.ComputeCommitmentHash([]byte("hello-world")) {
		t.Errorf("decoded hash mismatch: %v", err)
	}

	fromHash, err := run(t, "encode-commit", "--from-hash", common.Hash(hash).Hex())
	if err != nil || fromHash != out {
		t.Errorf("--from-hash: got %s (%v) want %s", fromHash, err, out)
	}
}

func TestEncodeReveal_Limit(t *testing.T) {
	if _, err := run(t, "encode-reveal", "--max-bytes", "4", "hello"); err == nil {
		t.Error("payload over limit should fail")
	}
	out, err := run(t, "encode-reveal", "hello")
	if err != nil {
		t.Fatal(err)
	}
	payload, err := commitment.DecodeRevealCall(common.FromHex(out))
	if err != nil || string(payload) != "hello" {
		t.Errorf("decoded payload %q %v", payload, err)
	}
}

func TestDecode(t *testing.T) {
	reveal, _ := run(t, "encode-reveal", "hello")
	out, err := run(t, "decode", reveal)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "reveal") || !strings.Contains(out, "text: hello") {
		t.Errorf("unexpected decode output:\n%s", out)
	}

	commit, _ := run(t, "encode-commit", "hello")
	out, err = run(t, "decode", commit)
	if err != nil || !strings.HasPrefix(out, "commit") {
		t.Errorf("unexpected decode output:\n%s (%v)", out, err)
	}

	if _, err := run(t, "decode", "0xdeadbeef"); err == nil {
		t.Error("unknown selector should fail")
	}
}

func TestOpHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.json")
	op := `{"sender":"0x1111111111111111111111111111111111111111","nonce":"0x0","initCode":"0x","callData":"0x",
"callGasLimit":"0x493e0","verificationGasLimit":"0x249f0","preVerificationGas":"0xc350",
"maxFeePerGas":"0x3b9aca00","maxPriorityFeePerGas":"0x3b9aca00","paymasterAndData":"0x","signature":"0x"}`
	if err := os.WriteFile(path, []byte(op), 0o600); err != nil {
		t.Fatal(err)
	}

	a, err := run(t, "op-hash", "--chain-id", "1", path)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := run(t, "op-hash", "--chain-id", "2", path)
	if len(a) != 66 || a == b {
		t.Errorf("hash must be 32 bytes and bound to the chain: %s vs %s", a, b)
	}
}
