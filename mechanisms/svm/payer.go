package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/kamiyo-ai/x402-go"
)

// Payer makes direct SOL transfers and reports the signer's balance.
// It implements x402.DirectPayer and x402.BalanceProvider.
type Payer struct {
	rpc    RPC
	signer x402.Signer
}

// NewPayer creates a payer for signer over client.
func NewPayer(client RPC, signer x402.Signer) (*Payer, error) {
	if client == nil {
		return nil, x402.InvalidInput("rpc client is required")
	}
	if _, err := SignerKey(signer); err != nil {
		return nil, err
	}
	return &Payer{rpc: client, signer: signer}, nil
}

// Pay transfers payment.Amount lamports to payment.PayTo.
func (p *Payer) Pay(ctx context.Context, payment x402.DirectPayment) (*x402.PaymentReceipt, error) {
	if payment.Amount == 0 {
		return nil, x402.InvalidInput("payment amount must be positive")
	}
	if fam := payment.Network.Family(); fam != "" && fam != x402.FamilySolana {
		return nil, x402.NewPaymentError(x402.KindInvalidInput, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("direct payer cannot pay on %s", payment.Network), nil)
	}

	from, err := SignerKey(p.signer)
	if err != nil {
		return nil, err
	}
	to, err := solana.PublicKeyFromBase58(payment.PayTo)
	if err != nil {
		return nil, x402.WrapError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement, "payTo is not a solana public key", err)
	}

	transfer := system.NewTransferInstruction(payment.Amount, from, to).Build()

	sig, err := SignAndSend(ctx, p.rpc, p.signer, transfer)
	if err != nil {
		if pe, ok := err.(*x402.PaymentError); ok {
			return nil, pe
		}
		return nil, x402.WrapError(x402.KindPaymentFailed, x402.ErrCodePaymentFailed, "direct transfer failed", err)
	}

	return &x402.PaymentReceipt{
		Signature: sig.String(),
		Payer:     from.String(),
	}, nil
}

// Balance returns the signer's lamport balance.
func (p *Payer) Balance(ctx context.Context) (uint64, error) {
	owner, err := SignerKey(p.signer)
	if err != nil {
		return 0, err
	}
	out, err := p.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, x402.WrapError(x402.KindNetworkError, x402.ErrCodeNetwork, "failed to get balance", err)
	}
	return out.Value, nil
}
