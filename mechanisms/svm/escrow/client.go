package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/kamiyo-ai/x402-go"
	"github.com/kamiyo-ai/x402-go/mechanisms/svm"
	"github.com/kamiyo-ai/x402-go/resilience"
)

// On-chain limits enforced by the escrow program.
const (
	MinEscrowAmount uint64 = 1_000_000
	MaxEscrowAmount uint64 = 1_000_000_000_000
	MinTimeLock            = time.Hour
	MaxTimeLock            = 30 * 24 * time.Hour
)

// Config configures a Client.
type Config struct {
	// ProgramID defaults to DefaultProgramID.
	ProgramID solana.PublicKey

	// Executor guards ledger calls. A default executor named "ledger" is
	// created when nil.
	Executor *resilience.Executor

	Logger *slog.Logger
}

// Client creates, releases and disputes escrows for one signer. It holds no
// mutable state beyond its configuration and is safe for concurrent use.
type Client struct {
	rpc       svm.RPC
	signer    x402.Signer
	owner     solana.PublicKey
	programID solana.PublicKey
	exec      *resilience.Executor
	logger    *slog.Logger
}

// NewClient creates an escrow client.
func NewClient(client svm.RPC, signer x402.Signer, cfg Config) (*Client, error) {
	if client == nil {
		return nil, x402.InvalidInput("rpc client is required")
	}
	owner, err := svm.SignerKey(signer)
	if err != nil {
		return nil, err
	}

	programID := cfg.ProgramID
	if programID.IsZero() {
		programID = DefaultProgramID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exec := cfg.Executor
	if exec == nil {
		exec = resilience.NewDefaultExecutor("ledger", logger)
	}

	return &Client{
		rpc:       client,
		signer:    signer,
		owner:     owner,
		programID: programID,
		exec:      exec,
		logger:    logger.With("component", "escrow"),
	}, nil
}

// ProgramID returns the escrow program id.
func (c *Client) ProgramID() solana.PublicKey { return c.programID }

// Owner returns the signer's public key.
func (c *Client) Owner() solana.PublicKey { return c.owner }

// DeriveAddress returns the escrow address for (owner, transactionID).
func (c *Client) DeriveAddress(owner, transactionID string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", x402.WrapError(x402.KindInvalidInput, x402.ErrCodeInvalidInput, "owner is not a solana public key", err)
	}
	addr, _, err := DeriveEscrowAddress(c.programID, ownerKey, transactionID)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// Address returns the escrow address of transactionID for this client's signer.
func (c *Client) Address(transactionID string) (solana.PublicKey, error) {
	addr, _, err := DeriveEscrowAddress(c.programID, c.owner, transactionID)
	return addr, err
}

// Create submits initialize_escrow.
func (c *Client) Create(ctx context.Context, p x402.EscrowCreate) (*x402.EscrowReceipt, error) {
	if p.Amount < MinEscrowAmount || p.Amount > MaxEscrowAmount {
		return nil, x402.InvalidInput("escrow amount %d outside [%d, %d]", p.Amount, MinEscrowAmount, MaxEscrowAmount)
	}
	if p.TimeLock < MinTimeLock || p.TimeLock > MaxTimeLock {
		return nil, x402.InvalidInput("escrow time lock %s outside [%s, %s]", p.TimeLock, MinTimeLock, MaxTimeLock)
	}
	api, err := solana.PublicKeyFromBase58(p.Payee)
	if err != nil {
		return nil, x402.WrapError(x402.KindInvalidInput, x402.ErrCodeInvalidInput, "payee is not a solana public key", err)
	}

	ix, escrowPDA, err := NewInitializeInstruction(InitializeParams{
		ProgramID:     c.programID,
		Agent:         c.owner,
		API:           api,
		Amount:        p.Amount,
		TimeLock:      int64(p.TimeLock / time.Second),
		TransactionID: p.TransactionID,
	})
	if err != nil {
		return nil, err
	}

	sig, err := c.submitCreate(ctx, escrowPDA, ix)
	if err != nil {
		return nil, stageError(err, x402.KindEscrowCreationFailed, x402.ErrCodeEscrowCreation, "escrow creation failed")
	}

	c.logger.Info("escrow created",
		"transaction_id", p.TransactionID,
		"escrow", escrowPDA.String(),
		"amount", p.Amount,
		"signature", sig.String(),
	)
	return &x402.EscrowReceipt{Address: escrowPDA.String(), Signature: sig.String()}, nil
}

// Release submits release_funds, paying the escrow out to payee.
func (c *Client) Release(ctx context.Context, transactionID, payee string) (*x402.EscrowReceipt, error) {
	api, err := solana.PublicKeyFromBase58(payee)
	if err != nil {
		return nil, x402.WrapError(x402.KindInvalidInput, x402.ErrCodeInvalidInput, "payee is not a solana public key", err)
	}

	ix, escrowPDA, err := NewReleaseInstruction(ReleaseParams{
		ProgramID:     c.programID,
		Caller:        c.owner,
		Agent:         c.owner,
		API:           api,
		TransactionID: transactionID,
	})
	if err != nil {
		return nil, err
	}

	sig, err := c.submit(ctx, "escrow.release", ix)
	if err != nil {
		return nil, stageError(err, x402.KindPaymentFailed, x402.ErrCodeReleaseFailed, "escrow release failed")
	}

	c.logger.Info("escrow released", "transaction_id", transactionID, "escrow", escrowPDA.String(), "signature", sig.String())
	return &x402.EscrowReceipt{Address: escrowPDA.String(), Signature: sig.String()}, nil
}

// Dispute submits mark_disputed.
func (c *Client) Dispute(ctx context.Context, transactionID string) (*x402.EscrowReceipt, error) {
	ix, escrowPDA, err := NewDisputeInstruction(DisputeParams{
		ProgramID:     c.programID,
		Agent:         c.owner,
		TransactionID: transactionID,
	})
	if err != nil {
		return nil, err
	}

	sig, err := c.submit(ctx, "escrow.dispute", ix)
	if err != nil {
		return nil, stageError(err, x402.KindDisputeFailed, x402.ErrCodeDisputeFailed, "escrow dispute failed")
	}

	c.logger.Info("escrow disputed", "transaction_id", transactionID, "escrow", escrowPDA.String(), "signature", sig.String())
	return &x402.EscrowReceipt{Address: escrowPDA.String(), Signature: sig.String()}, nil
}

// Exists reports whether the escrow account for transactionID exists.
func (c *Client) Exists(ctx context.Context, transactionID string) (bool, error) {
	_, err := c.fetchRaw(ctx, transactionID)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Balance returns the amount held by the escrow for transactionID.
func (c *Client) Balance(ctx context.Context, transactionID string) (uint64, error) {
	acct, err := c.Fetch(ctx, transactionID)
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

// Fetch returns the decoded escrow account for transactionID.
func (c *Client) Fetch(ctx context.Context, transactionID string) (*Account, error) {
	out, err := c.fetchRaw(ctx, transactionID)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, x402.NewPaymentError(x402.KindEscrowNotFound, x402.ErrCodeEscrowNotFound,
				"escrow account not found", map[string]interface{}{"transactionId": transactionID})
		}
		return nil, err
	}
	acct, err := DecodeAccount(out.Value.Data.GetBinary())
	if err != nil {
		return nil, x402.WrapError(x402.KindInvalidResponse, x402.ErrCodeInvalidResponse, "malformed escrow account", err)
	}
	return acct, nil
}

func (c *Client) fetchRaw(ctx context.Context, transactionID string) (*rpc.GetAccountInfoResult, error) {
	addr, err := c.Address(transactionID)
	if err != nil {
		return nil, err
	}
	out, err := resilience.Do(ctx, c.exec, "escrow.fetch", func(ctx context.Context) (*rpc.GetAccountInfoResult, error) {
		return c.account(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, rpc.ErrNotFound
	}
	return out, nil
}

// account reads addr once. A missing account is (nil, nil).
func (c *Client) account(ctx context.Context, addr solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		// absence is an answer
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value == nil || res.Value.Data == nil {
		return nil, nil
	}
	return res, nil
}

// submitCreate sends initialize_escrow. A send that failed may still have
// landed, so each retry first looks for the escrow account and, if it
// exists, reports the earlier transaction instead of sending again.
func (c *Client) submitCreate(ctx context.Context, escrowPDA solana.PublicKey, ix solana.Instruction) (solana.Signature, error) {
	var sent []solana.Signature
	return resilience.Do(ctx, c.exec, "escrow.create", func(ctx context.Context) (solana.Signature, error) {
		if len(sent) > 0 {
			sig, ok, err := c.landed(ctx, escrowPDA, sent)
			if err != nil {
				return solana.Signature{}, err
			}
			if ok {
				return sig, nil
			}
		}
		tx, err := svm.BuildSigned(ctx, c.rpc, c.signer, ix)
		if err != nil {
			return solana.Signature{}, err
		}
		sent = append(sent, tx.Signatures[0])
		return svm.Send(ctx, c.rpc, tx)
	})
}

// landed reports whether one of the sent create transactions took effect.
func (c *Client) landed(ctx context.Context, escrowPDA solana.PublicKey, sent []solana.Signature) (solana.Signature, bool, error) {
	acct, err := c.account(ctx, escrowPDA)
	if err != nil || acct == nil {
		return solana.Signature{}, false, err
	}
	sig, ok, err := svm.FirstSucceeded(ctx, c.rpc, sent)
	if err != nil {
		return solana.Signature{}, false, err
	}
	if !ok {
		// The account exists but its status is not visible yet.
		sig = sent[len(sent)-1]
		c.logger.Warn("escrow account found without a confirmed signature", "escrow", escrowPDA.String(), "signature", sig.String())
	}
	c.logger.Info("earlier escrow creation landed", "escrow", escrowPDA.String(), "attempts", len(sent))
	return sig, true, nil
}

func (c *Client) submit(ctx context.Context, label string, ix solana.Instruction) (solana.Signature, error) {
	return resilience.Do(ctx, c.exec, label, func(ctx context.Context) (solana.Signature, error) {
		return svm.SignAndSend(ctx, c.rpc, c.signer, ix)
	})
}

// stageError wraps a ledger failure with the stage's error kind. Input,
// signature and circuit errors keep their own kind.
func stageError(err error, kind x402.ErrorKind, code, message string) error {
	var pe *x402.PaymentError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case x402.KindInvalidInput, x402.KindSignatureFailed, x402.KindCircuitOpen:
			return pe
		}
	}
	wrapped := x402.WrapError(kind, code, message, err)
	if pe != nil {
		wrapped.Details = map[string]interface{}{"cause_kind": string(pe.Kind)}
	}
	return wrapped
}

var _ x402.EscrowLedger = (*Client)(nil)

