package escrow

import (
	"crypto/sha256"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	x402 "github.com/kamiyo-ai/x402-go"
)

// accountDiscriminator is sha256("account:Escrow")[:8].
var accountDiscriminator = func() [8]byte {
	sum := sha256.Sum256([]byte("account:Escrow"))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}()

// Account is the decoded prefix of the on-chain escrow account.
type Account struct {
	Agent         solana.PublicKey
	API           solana.PublicKey
	Amount        uint64
	Status        uint8
	CreatedAt     int64
	ExpiresAt     int64
	TransactionID string
	Bump          uint8
}

var accountStatuses = []x402.EscrowStatus{
	x402.EscrowActive,
	x402.EscrowReleased,
	x402.EscrowDisputed,
	x402.EscrowResolved,
}

// EscrowStatus maps the on-chain enum to the client status.
func (a Account) EscrowStatus() (x402.EscrowStatus, error) {
	if int(a.Status) >= len(accountStatuses) {
		return "", fmt.Errorf("unknown escrow status %d", a.Status)
	}
	return accountStatuses[a.Status], nil
}

// Record converts the account into a client-side record.
func (a Account) Record(address solana.PublicKey) (x402.EscrowRecord, error) {
	status, err := a.EscrowStatus()
	if err != nil {
		return x402.EscrowRecord{}, err
	}
	return x402.EscrowRecord{
		Address:       address.String(),
		Owner:         a.Agent.String(),
		Counterparty:  a.API.String(),
		Amount:        a.Amount,
		Status:        status,
		TransactionID: a.TransactionID,
		CreatedAt:     time.Unix(a.CreatedAt, 0).UTC(),
		ExpiresAt:     time.Unix(a.ExpiresAt, 0).UTC(),
	}, nil
}

// DecodeAccount decodes raw escrow account data. Trailing fields after the
// bump are ignored.
func DecodeAccount(data []byte) (*Account, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("escrow account data too short: %d bytes", len(data))
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	if disc != accountDiscriminator {
		return nil, fmt.Errorf("account is not an escrow account")
	}

	var acct Account
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acct); err != nil {
		return nil, fmt.Errorf("failed to decode escrow account: %w", err)
	}
	return &acct, nil
}

// EncodeAccount is the inverse of DecodeAccount, used to build fixtures.
func EncodeAccount(acct Account) ([]byte, error) {
	data, err := bin.MarshalBorsh(&acct)
	if err != nil {
		return nil, fmt.Errorf("failed to encode escrow account: %w", err)
	}
	return append(accountDiscriminator[:], data...), nil
}
