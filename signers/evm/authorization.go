package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	x402 "github.com/kamiyo-ai/x402-go"
)

// Asset is an EIP-3009 token on one chain.
type Asset struct {
	ChainID  *big.Int
	Address  string
	Name     string
	Version  string
	Decimals int
}

// USDC decimals.
const DefaultDecimals = x402.EVMDecimals

var (
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	usdcBase = Asset{
		ChainID:  ChainIDBase,
		Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Name:     "USD Coin",
		Version:  "2",
		Decimals: DefaultDecimals,
	}
	usdcBaseSepolia = Asset{
		ChainID:  ChainIDBaseSepolia,
		Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Name:     "USDC",
		Version:  "2",
		Decimals: DefaultDecimals,
	}
)

// DefaultAssets maps both legacy and CAIP-2 network names to their default
// stablecoin.
func DefaultAssets() map[x402.Network]Asset {
	return map[x402.Network]Asset{
		"base":         usdcBase,
		"eip155:8453":  usdcBase,
		"base-sepolia": usdcBaseSepolia,
		"eip155:84532": usdcBaseSepolia,
	}
}

var transferWithAuthorizationTypes = map[string][]TypedDataField{
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// DefaultValidity is how long a signed authorization stays valid.
const DefaultValidity = 10 * time.Minute

// clockSkew backdates validAfter to tolerate facilitator clock drift.
const clockSkew = 10 * time.Minute

// AuthorizationPayer pays eip155 requirements by signing an EIP-3009
// TransferWithAuthorization. The facilitator submits the transfer; the
// signed fields travel in the payment proof.
type AuthorizationPayer struct {
	signer   *ClientSigner
	assets   map[x402.Network]Asset
	validity time.Duration
	now      func() time.Time
}

// AuthorizationOption configures an AuthorizationPayer.
type AuthorizationOption func(*AuthorizationPayer)

// WithAsset registers or overrides the token used on network.
func WithAsset(network x402.Network, asset Asset) AuthorizationOption {
	return func(p *AuthorizationPayer) {
		p.assets[network] = asset
	}
}

// WithValidity sets the authorization validity window.
func WithValidity(d time.Duration) AuthorizationOption {
	return func(p *AuthorizationPayer) {
		if d > 0 {
			p.validity = d
		}
	}
}

// NewAuthorizationPayer creates a payer signing with signer.
func NewAuthorizationPayer(signer *ClientSigner, opts ...AuthorizationOption) (*AuthorizationPayer, error) {
	if signer == nil {
		return nil, x402.InvalidInput("evm signer is required")
	}
	p := &AuthorizationPayer{
		signer:   signer,
		assets:   DefaultAssets(),
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Asset returns the token configured for network.
func (p *AuthorizationPayer) Asset(network x402.Network) (Asset, bool) {
	asset, ok := p.assets[x402.Network(strings.ToLower(string(network)))]
	return asset, ok
}

// Pay signs an authorization for payment.Amount atomic token units.
func (p *AuthorizationPayer) Pay(ctx context.Context, payment x402.DirectPayment) (*x402.PaymentReceipt, error) {
	if payment.Network.Family() != x402.FamilyEVM {
		return nil, x402.NewPaymentError(x402.KindInvalidInput, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("authorization payer cannot pay on %s", payment.Network), nil)
	}
	asset, ok := p.Asset(payment.Network)
	if !ok {
		return nil, x402.NewPaymentError(x402.KindInvalidInput, x402.ErrCodeUnsupportedNetwork,
			fmt.Sprintf("no asset configured for %s", payment.Network), nil)
	}
	if payment.Amount == 0 {
		return nil, x402.InvalidInput("payment amount must be positive")
	}
	if !common.IsHexAddress(payment.PayTo) {
		return nil, x402.NewPaymentError(x402.KindInvalidPaymentRequirement, x402.ErrCodeInvalidRequirement,
			"payTo is not a hex address", map[string]interface{}{"payTo": payment.PayTo})
	}

	seed := payment.TransactionID
	if seed == "" {
		seed = uuid.NewString()
	}
	nonce := crypto.Keccak256([]byte(seed))

	now := p.now()
	validAfter := big.NewInt(now.Add(-clockSkew).Unix())
	validBefore := big.NewInt(now.Add(p.validity).Unix())
	value := new(big.Int).SetUint64(payment.Amount)
	from := p.signer.Address().Hex()
	to := common.HexToAddress(payment.PayTo).Hex()

	message := map[string]interface{}{
		"from":        from,
		"to":          to,
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce,
	}
	domain := TypedDataDomain{
		Name:              asset.Name,
		Version:           asset.Version,
		ChainID:           asset.ChainID,
		VerifyingContract: asset.Address,
	}

	signature, err := p.signer.SignTypedData(ctx, domain, transferWithAuthorizationTypes, "TransferWithAuthorization", message)
	if err != nil {
		if pe, ok := err.(*x402.PaymentError); ok {
			return nil, pe
		}
		return nil, x402.WrapError(x402.KindSignatureFailed, x402.ErrCodeSignatureFailed, "failed to sign authorization", err)
	}

	return &x402.PaymentReceipt{
		Signature: hexutil.Encode(signature),
		Payer:     from,
		Authorization: map[string]string{
			"from":        from,
			"to":          to,
			"value":       value.String(),
			"validAfter":  validAfter.String(),
			"validBefore": validBefore.String(),
			"nonce":       hexutil.Encode(nonce),
			"asset":       asset.Address,
		},
	}, nil
}

var _ x402.DirectPayer = (*AuthorizationPayer)(nil)
