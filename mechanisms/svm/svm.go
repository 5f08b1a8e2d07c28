// Package svm provides Solana (SVM) support for the x402 payment client:
// network configuration, transaction submission through a Signer, direct
// SOL transfers and balance queries.
package svm

import (
	"context"
	"fmt"
	"strings"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/kamiyo-ai/x402-go"
)

const (
	SolanaMainnet = "solana"
	SolanaDevnet  = "solana-devnet"
	SolanaTestnet = "solana-testnet"
)

// NetworkConfig describes one Solana cluster.
type NetworkConfig struct {
	Name   string
	RPCURL string
}

var networkConfigs = map[string]NetworkConfig{
	SolanaMainnet: {Name: SolanaMainnet, RPCURL: rpc.MainNetBeta_RPC},
	SolanaDevnet:  {Name: SolanaDevnet, RPCURL: rpc.DevNet_RPC},
	SolanaTestnet: {Name: SolanaTestnet, RPCURL: rpc.TestNet_RPC},
}

// IsValidNetwork reports whether network names a known Solana cluster.
func IsValidNetwork(network string) bool {
	_, ok := networkConfigs[strings.ToLower(network)]
	return ok
}

// GetNetworkConfig returns the configuration for a Solana cluster.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	cfg, ok := networkConfigs[strings.ToLower(network)]
	if !ok {
		return NetworkConfig{}, x402.NewPaymentError(x402.KindInvalidInput, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("unsupported solana network: %s", network), nil)
	}
	return cfg, nil
}

// RPC is the subset of the Solana JSON-RPC client used by this module.
// *rpc.Client satisfies it.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// NewRPC creates a JSON-RPC client for url, or for the network default when url is empty.
func NewRPC(network, url string) (*rpc.Client, error) {
	if url == "" {
		cfg, err := GetNetworkConfig(network)
		if err != nil {
			return nil, err
		}
		url = cfg.RPCURL
	}
	return rpc.New(url), nil
}

// SignerKey parses the signer's address as a Solana public key.
func SignerKey(signer x402.Signer) (solana.PublicKey, error) {
	if signer == nil {
		return solana.PublicKey{}, x402.InvalidInput("signer is required")
	}
	key, err := solana.PublicKeyFromBase58(signer.PublicAddress())
	if err != nil {
		return solana.PublicKey{}, x402.WrapError(x402.KindInvalidInput, x402.ErrCodeInvalidInput, "signer address is not a solana public key", err)
	}
	return key, nil
}

// SignAndSend builds a transaction from instructions with the signer as
// fee payer, signs it through the Signer capability and submits it.
func SignAndSend(ctx context.Context, client RPC, signer x402.Signer, instructions ...solana.Instruction) (solana.Signature, error) {
	tx, err := BuildSigned(ctx, client, signer, instructions...)
	if err != nil {
		return solana.Signature{}, err
	}
	return Send(ctx, client, tx)
}

// BuildSigned builds and signs a transaction against the latest blockhash
// without submitting it. The fee payer's signature is tx.Signatures[0].
func BuildSigned(ctx context.Context, client RPC, signer x402.Signer, instructions ...solana.Instruction) (*solana.Transaction, error) {
	if !signer.IsConnected() {
		return nil, x402.NewPaymentError(x402.KindSignatureFailed, x402.ErrCodeSignatureFailed, "signer is not connected", nil)
	}
	payer, err := SignerKey(signer)
	if err != nil {
		return nil, err
	}

	latest, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	if err := SignTransaction(ctx, signer, payer, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Send submits a signed transaction.
func Send(ctx context.Context, client RPC, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// FirstSucceeded returns the first of sigs the cluster reports as executed
// without error.
func FirstSucceeded(ctx context.Context, client RPC, sigs []solana.Signature) (solana.Signature, bool, error) {
	if len(sigs) == 0 {
		return solana.Signature{}, false, nil
	}
	out, err := client.GetSignatureStatuses(ctx, true, sigs...)
	if err != nil {
		return solana.Signature{}, false, fmt.Errorf("failed to get signature statuses: %w", err)
	}
	for i, status := range out.Value {
		if i < len(sigs) && status != nil && status.Err == nil {
			return sigs[i], true, nil
		}
	}
	return solana.Signature{}, false, nil
}

// SignTransaction signs the transaction message with signer and stores the
// signature at the signer's account index.
func SignTransaction(ctx context.Context, signer x402.Signer, key solana.PublicKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	raw, err := signer.Sign(ctx, messageBytes)
	if err != nil {
		return x402.WrapError(x402.KindSignatureFailed, x402.ErrCodeSignatureFailed, "failed to sign transaction", err)
	}
	if len(raw) != len(solana.Signature{}) {
		return x402.NewPaymentError(x402.KindSignatureFailed, x402.ErrCodeSignatureFailed,
			fmt.Sprintf("signer returned %d bytes, want %d", len(raw), len(solana.Signature{})), nil)
	}
	var signature solana.Signature
	copy(signature[:], raw)

	accountIndex, err := tx.GetAccountIndex(key)
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature
	return nil
}
