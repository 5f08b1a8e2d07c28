package svm

import (
	"context"
	"fmt"
	"sync/atomic"

	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/kamiyo-ai/x402-go"
)

// SignMessageFunc signs a serialized transaction message and returns the
// 64-byte ed25519 signature.
type SignMessageFunc func(ctx context.Context, message []byte) ([]byte, error)

// ClientSigner implements x402.Signer for a Solana account.
type ClientSigner struct {
	publicKey solana.PublicKey
	sign      SignMessageFunc
	connected atomic.Bool
}

// NewClientSigner creates a signer from a public key and signing callback.
// Use it to plug in wallet adapters or remote key services.
func NewClientSigner(publicKey solana.PublicKey, signFunc SignMessageFunc) (*ClientSigner, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}

	s := &ClientSigner{
		publicKey: publicKey,
		sign:      signFunc,
	}
	s.connected.Store(true)
	return s, nil
}

// NewClientSignerFromPrivateKey creates a signer from a base58-encoded private key.
//
// Example:
//
//	signer, err := svm.NewClientSignerFromPrivateKey(os.Getenv("AGENT_KEYPAIR"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := http.NewPaymentClient(http.Config{Signer: signer, ...})
func NewClientSignerFromPrivateKey(privateKeyBase58 string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return fromPrivateKey(privateKey)
}

// NewClientSignerFromKeygenFile loads a solana-keygen JSON keypair file.
func NewClientSignerFromKeygenFile(path string) (*ClientSigner, error) {
	privateKey, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid keypair file: %w", err)
	}
	return fromPrivateKey(privateKey)
}

func fromPrivateKey(privateKey solana.PrivateKey) (*ClientSigner, error) {
	signFunc := func(_ context.Context, message []byte) ([]byte, error) {
		signature, err := privateKey.Sign(message)
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		return signature[:], nil
	}
	return NewClientSigner(privateKey.PublicKey(), signFunc)
}

// Address returns the Solana public key of the signer.
func (s *ClientSigner) Address() solana.PublicKey {
	return s.publicKey
}

// PublicAddress returns the base58 public key.
func (s *ClientSigner) PublicAddress() string {
	return s.publicKey.String()
}

// Sign signs message. It fails once the signer is disconnected.
func (s *ClientSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if !s.IsConnected() {
		return nil, x402.NewPaymentError(x402.KindSignatureFailed, x402.ErrCodeSignatureFailed, "signer is disconnected", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.sign(ctx, message)
}

// IsConnected reports whether the signer accepts signing requests.
func (s *ClientSigner) IsConnected() bool {
	return s.connected.Load()
}

// Disconnect stops the signer from signing.
func (s *ClientSigner) Disconnect() {
	s.connected.Store(false)
}

var _ x402.Signer = (*ClientSigner)(nil)
